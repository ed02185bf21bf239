// ABOUTME: Built-in workload modules shipped with the harness
// ABOUTME: "sleep" idles until stopped; "mapload" fills and verifies cluster maps on members

package workload

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"time"
)

// Builtins returns a Registry holding the built-in modules.
func Builtins() *Registry {
	r := NewRegistry()
	r.MustRegister(Definition{
		Name:        "sleep",
		Description: "Idles until stopped or until duration elapses",
		Properties:  []string{"duration"},
		New:         func() Module { return &Sleep{} },
	})
	r.MustRegister(Definition{
		Name:        "mapload",
		Description: "Loads fixed-size values into cluster maps on member workers and verifies their sizes",
		Properties:  []string{"totalMaps", "totalKeys", "valueSize", "baseMapName"},
		New: func() Module {
			return &MapLoad{
				TotalMaps:   10,
				TotalKeys:   10,
				ValueSize:   5000,
				BaseMapName: "mapload",
			}
		},
	})
	return r
}

// Sleep does nothing until its test is stopped.
type Sleep struct {
	Duration time.Duration `mapstructure:"duration"`
}

func (s *Sleep) Setup(context.Context, *TestContext) error { return nil }

func (s *Sleep) Run(ctx context.Context, tc *TestContext) error {
	var timeout <-chan time.Time
	if s.Duration > 0 {
		timer := time.NewTimer(s.Duration)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-tc.Done():
	case <-timeout:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Sleep) Verify(context.Context, *TestContext) error { return nil }

// MapLoad writes TotalKeys values into each of TotalMaps maps.
// Only member workers load data; clients just wait to be stopped.
type MapLoad struct {
	TotalMaps   int    `mapstructure:"totalMaps"`
	TotalKeys   int    `mapstructure:"totalKeys"`
	ValueSize   int    `mapstructure:"valueSize"`
	BaseMapName string `mapstructure:"baseMapName"`

	value []byte
}

func (m *MapLoad) Setup(_ context.Context, tc *TestContext) error {
	if m.TotalMaps < 0 || m.TotalKeys < 0 || m.ValueSize < 0 {
		return fmt.Errorf("mapload: negative sizes (maps=%d keys=%d value=%d)", m.TotalMaps, m.TotalKeys, m.ValueSize)
	}
	m.value = make([]byte, m.ValueSize)
	_, _ = rand.Read(m.value)
	return nil
}

func (m *MapLoad) Run(ctx context.Context, tc *TestContext) error {
	c := tc.Cluster()
	if c.IsMember() {
		tc.Logger().Info("loading maps", "cluster_size", c.MemberCount(), "maps", m.TotalMaps, "keys", m.TotalKeys)
		for i := range m.TotalMaps {
			mp := c.Map(m.mapName(i))
			for k := range m.TotalKeys {
				if tc.Stopped() || ctx.Err() != nil {
					return nil
				}
				mp.Put(strconv.Itoa(k), m.value)
			}
		}
		tc.Logger().Info("maps loaded")
	}

	select {
	case <-tc.Done():
	case <-ctx.Done():
	}
	return nil
}

func (m *MapLoad) Verify(_ context.Context, tc *TestContext) error {
	c := tc.Cluster()
	if !c.IsMember() {
		return nil
	}
	for i := range m.TotalMaps {
		mp := c.Map(m.mapName(i))
		if got := mp.Size(); got != m.TotalKeys {
			return fmt.Errorf("map %s holds %d entries, want %d", mp.Name(), got, m.TotalKeys)
		}
	}
	return nil
}

func (m *MapLoad) mapName(i int) string {
	return m.BaseMapName + strconv.Itoa(i)
}
