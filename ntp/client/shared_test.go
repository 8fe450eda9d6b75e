/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package client

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetShared(t *testing.T) {
	t.Cleanup(func() { SetShared(nil) })

	c, err := NewClock(DefaultConfig(), []Host{{Address: "192.0.2.1"}})
	require.NoError(t, err)
	SetShared(c)

	got := make([]*Clock, 8)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = Shared()
		}(i)
	}
	wg.Wait()
	for _, g := range got {
		require.Same(t, c, g)
	}

	other, err := NewClock(DefaultConfig(), []Host{{Address: "192.0.2.2"}})
	require.NoError(t, err)
	SetShared(other)
	require.Same(t, other, Shared())
}

func TestNewDefaultClockFromHostsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultHostsFile)
	require.NoError(t, os.WriteFile(path, []byte("192.0.2.1 alwaystrust\n192.0.2.2\n"), 0644))

	c := newDefaultClock(path)
	assocs := c.Associations()
	require.Len(t, assocs, 2)
	require.Equal(t, "192.0.2.1:123", assocs[0].Address())
	require.True(t, assocs[0].Stats().AlwaysTrust)
	require.Equal(t, "192.0.2.2:123", assocs[1].Address())
}

func TestNewDefaultClockFallback(t *testing.T) {
	c := newDefaultClock(filepath.Join(t.TempDir(), "missing"))
	require.Len(t, c.Associations(), len(DefaultHosts))
	for i, a := range c.Associations() {
		require.Equal(t, DefaultHosts[i].Address, a.Server())
	}

	// broken file is ignored as well
	path := filepath.Join(t.TempDir(), DefaultHostsFile)
	require.NoError(t, os.WriteFile(path, []byte("192.0.2.1 prefer\n"), 0644))
	c = newDefaultClock(path)
	require.Len(t, c.Associations(), len(DefaultHosts))
}
