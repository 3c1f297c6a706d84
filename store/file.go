package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/ianfoo/tweetwatch"
)

// File keeps the state record as JSON in a local file.
type File struct {
	Path string
}

// NewFile returns a store backed by the file at path.
func NewFile(path string) *File {
	return &File{Path: path}
}

// Load reads the record. A missing file means no baseline yet.
func (f *File) Load(ctx context.Context) (tweetwatch.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return tweetwatch.Uninitialized{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading state file %s", f.Path)
	}
	var r tweetwatch.Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, errors.Wrapf(err, "error decoding state file %s", f.Path)
	}
	return tweetwatch.StateFromRecord(r), nil
}

// Save overwrites the record. The file is replaced by rename so a crash
// mid-write never leaves a truncated record behind.
func (f *File) Save(ctx context.Context, st tweetwatch.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(tweetwatch.RecordFromState(st))
	if err != nil {
		return errors.Wrap(err, "error encoding state")
	}
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".*")
	if err != nil {
		return errors.Wrapf(err, "error creating temp file in %s", dir)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		return errors.Wrap(err, "error writing state")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "error syncing state")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "error closing state")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return errors.Wrapf(err, "error replacing state file %s", f.Path)
	}
	return nil
}
