package admission

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/estuary/awcp/protocol"
)

func TestCheckPassesWithinBounds(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/repo/main.go", []byte("package main"), 0o644))

	var c = New(fs, DefaultConfig())
	var result, err = c.Check("", []protocol.Resource{{Name: "repo", Source: "/src/repo"}})
	require.NoError(t, err)
	require.True(t, result.Passed)
	require.Equal(t, 1, result.FileCount)
}

func TestCheckDeclinesSensitivePath(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/repo/.env", []byte("SECRET=1"), 0o644))

	var c = New(fs, DefaultConfig())
	var _, err = c.Check("", []protocol.Resource{{Name: "repo", Source: "/src/repo"}})
	require.Error(t, err)
	perr, ok := err.(*protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.CodeDeclined, perr.Code)
}

func TestCheckEnforcesMaxTotalBytes(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/repo/big.bin", make([]byte, 1024), 0o644))

	var cfg = DefaultConfig()
	cfg.MaxTotalBytes = 100
	var c = New(fs, cfg)
	var _, err = c.Check("", []protocol.Resource{{Name: "repo", Source: "/src/repo"}})
	require.Error(t, err)
	perr, ok := err.(*protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.CodeWorkspaceTooLarge, perr.Code)
}

func TestCheckSkipsConventionalDirectories(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/repo/.git/HEAD", []byte("ref"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/repo/main.go", []byte("package main"), 0o644))

	var c = New(fs, DefaultConfig())
	var result, err = c.Check("", []protocol.Resource{{Name: "repo", Source: "/src/repo"}})
	require.NoError(t, err)
	require.Equal(t, 1, result.FileCount)
}

func TestCheckHonorsExcludeSelectors(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/repo/secrets.pem", []byte("x"), 0o644))

	var c = New(fs, DefaultConfig())
	var result, err = c.Check("", []protocol.Resource{{
		Name: "repo", Source: "/src/repo", Exclude: []string{"secrets.pem"},
	}})
	require.NoError(t, err)
	require.Equal(t, 0, result.FileCount)
}
