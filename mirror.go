package cmdfs

import (
	"context"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// MirrorOwner makes every file of the view appear owned by the user
// accessing it.
func MirrorOwner() Option {
	return func(o *options) {
		o.uid = callerUID
	}
}

// MirrorGroup makes every file of the view appear owned by the group of
// the user accessing it.
func MirrorGroup() Option {
	return func(o *options) {
		o.gid = callerGID
	}
}

func callerUID(ctx context.Context) (uint32, bool) {
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return 0, false
	}
	return caller.Uid, true
}

func callerGID(ctx context.Context) (uint32, bool) {
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return 0, false
	}
	return caller.Gid, true
}
