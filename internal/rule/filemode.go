package rule

import (
	"context"
	"os"

	"github.com/stonix-project/stonix/pkg/fsutil"
	"github.com/stonix-project/stonix/pkg/model"
)

// FileMode ensures a path has a given mode and, optionally, owner and
// group.
type FileMode struct {
	Base
	Path string
	UID  *int
	GID  *int
	Mode os.FileMode
}

func (r *FileMode) want(cur *fsutil.FileInfo) model.Ownership {
	w := model.Ownership{UID: cur.UID, GID: cur.GID, Mode: r.Mode}
	if r.UID != nil {
		w.UID = *r.UID
	}
	if r.GID != nil {
		w.GID = *r.GID
	}
	return w
}

// Report implements Rule.
func (r *FileMode) Report(context.Context) (bool, error) {
	r.ResetDetail()
	cur, err := fsutil.Stat(r.Path)
	if err != nil {
		if os.IsNotExist(err) {
			r.Note("%s does not exist", r.Path)
			return true, nil
		}
		r.Note("cannot stat %s: %v", r.Path, err)
		return false, nil
	}
	have := model.Ownership{UID: cur.UID, GID: cur.GID, Mode: cur.Mode}
	want := r.want(cur)
	if have != want {
		r.Note("%s is %s, expected %s", r.Path, have, want)
		return false, nil
	}
	return true, nil
}

// Fix implements Rule.
func (r *FileMode) Fix(context.Context) (bool, error) {
	if err := r.BeginFix(); err != nil {
		return false, err
	}
	cur, err := fsutil.Stat(r.Path)
	if err != nil {
		if os.IsNotExist(err) {
			r.Note("%s does not exist, nothing to fix", r.Path)
			return true, nil
		}
		r.Note("cannot stat %s: %v", r.Path, err)
		return false, nil
	}
	_, changed, err := r.Recorder.ChangePermissions(r.Number(), r.Path, r.want(cur))
	if err != nil {
		r.Note("could not set permissions on %s: %v", r.Path, err)
		return false, nil
	}
	if changed {
		r.Note("set %s to %s", r.Path, r.want(cur))
	}
	return true, nil
}
