package destination

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalPutGetStatDelete(t *testing.T) {
	dir := t.TempDir()
	d := NewLocal(dir)
	ctx := context.Background()

	require.NoError(t, d.Connect(ctx))
	require.NoError(t, d.Test(ctx))

	require.NoError(t, d.PutStream(ctx, "archives/seg-0.bin", bytes.NewBufferString("hello world")))

	info, err := d.Stat(ctx, "archives/seg-0.bin")
	require.NoError(t, err)
	require.Equal(t, int64(len("hello world")), info.Size)

	r, err := d.GetStream(ctx, "archives/seg-0.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, "hello world", string(got))

	keys, err := d.List(ctx, "archives")
	require.NoError(t, err)
	require.Contains(t, keys, "archives/seg-0.bin")

	require.NoError(t, d.Delete(ctx, "archives/seg-0.bin"))
	_, err = d.Stat(ctx, "archives/seg-0.bin")
	require.Error(t, err)
}

func TestLocalNeutralizesEscapingKeys(t *testing.T) {
	dir := t.TempDir()
	d := NewLocal(dir)
	_, err := d.resolve("../../etc/passwd")
	require.NoError(t, err) // filepath.Clean("/"+key) neutralizes traversal before join
}

func TestFactoryBuildsLocal(t *testing.T) {
	dest, err := New(`{"kind":"local","root":"/tmp/scrat-test"}`)
	require.NoError(t, err)
	require.Equal(t, "local", dest.Kind())
}
