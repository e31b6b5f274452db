package vocab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	v, err := New([]string{"person", "on", "traffic light"})
	require.NoError(t, err)
	require.Equal(t, 3, v.Len())

	id, err := v.Lookup("Traffic Light")
	require.NoError(t, err)
	require.Equal(t, 2, id)

	id, err = v.Lookup("1")
	require.NoError(t, err)
	require.Equal(t, 1, id)
	require.Equal(t, "on", v.Name(id))

	_, err = v.Lookup("3")
	require.ErrorIs(t, err, ErrUnknownName)
	_, err = v.Lookup("dog")
	require.ErrorIs(t, err, ErrUnknownName)

	var none *Vocabulary
	id, err = none.Lookup("42")
	require.NoError(t, err)
	require.Equal(t, 42, id)
	require.Equal(t, "", none.Name(42))
	_, err = none.Lookup("dog")
	require.ErrorIs(t, err, ErrUnknownName)

	_, err = New([]string{"a", "A"})
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"objects.txt":  "person\n\n  car \nsky\n",
		"objects.json": `["person", "car", "sky"]`,
		"objects.yaml": "- person\n- car\n- sky\n",
	}
	for name, content := range files {
		filename := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(filename, []byte(content), 0644))
		v, err := Load(filename)
		require.NoError(t, err, name)
		require.Equal(t, []string{"person", "car", "sky"}, v.Names, name)
	}
}
