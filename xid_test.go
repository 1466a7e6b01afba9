package goxa

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Xid(t *testing.T) {
	now := time.Unix(1700000000, 42)
	gen, err := NewXidGenerator("node-a", func() time.Time { return now })
	require.NoError(t, err)

	tests := []struct {
		name string
		f    func(t *testing.T)
	}{
		{
			name: "global",
			f: func(t *testing.T) {
				global := gen.Global()
				assert.False(t, global.IsZero())
				assert.Empty(t, global.BranchID())
				assert.Equal(t, "node-a", global.SuperiorID())
				assert.Equal(t, "", global.BranchServerID())
				assert.Equal(t, global, global.Global())
				assert.NotEqual(t, global, gen.Global())
			},
		},
		{
			name: "branch",
			f: func(t *testing.T) {
				global := gen.Global()
				branch := gen.Branch(global)
				assert.True(t, branch.SameGlobal(global))
				assert.Equal(t, global, branch.Global())
				assert.Equal(t, "node-a", branch.BranchServerID())

				other, err := NewXidGenerator("node-b", nil)
				require.NoError(t, err)
				sub := other.Branch(branch)
				assert.Equal(t, "node-a", sub.SuperiorID())
				assert.Equal(t, "node-b", sub.BranchServerID())
				assert.LessOrEqual(t, len(sub.BranchID()), MaxXidPartLen)
			},
		},
		{
			name: "format_parse",
			f: func(t *testing.T) {
				branch := gen.Branch(gen.Global())
				s := branch.String()
				assert.Equal(t, 1, strings.Count(s, ":"))
				parsed, err := ParseXid(s)
				require.NoError(t, err)
				assert.Equal(t, branch, parsed)

				global, err := ParseXid(gen.Global().String())
				require.NoError(t, err)
				assert.Empty(t, global.BranchID())
			},
		},
		{
			name: "parse_invalid",
			f: func(t *testing.T) {
				for _, s := range []string{"", "abc", "zz:00", ":00", "00:zz", "0100:", strings.Repeat("00", 65) + ":"} {
					_, err := ParseXid(s)
					assert.True(t, errors.Is(err, ErrInvalidXid), s)
				}
			},
		},
		{
			name: "bad_server_id",
			f: func(t *testing.T) {
				_, err := NewXidGenerator("", nil)
				assert.Error(t, err)
				_, err = NewXidGenerator(strings.Repeat("x", MaxServerIDLen+1), nil)
				assert.Error(t, err)
			},
		},
		{
			name: "map_key",
			f: func(t *testing.T) {
				branch := gen.Branch(gen.Global())
				parsed, err := ParseXid(branch.String())
				require.NoError(t, err)
				m := map[Xid]int{branch: 1}
				assert.Equal(t, 1, m[parsed])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.f)
	}
}
