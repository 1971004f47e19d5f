package cmdfs

import (
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
)

func TestMirrorOwner(t *testing.T) {
	var o options
	MirrorOwner()(&o)

	// Case 1: Context with caller
	caller := &fuse.Caller{Owner: fuse.Owner{Uid: 1234, Gid: 5678}}
	ctx := fuse.NewContext(t.Context(), caller)
	if got, ok := o.uid(ctx); !ok || got != 1234 {
		t.Errorf("uid = %d, %v; want 1234, true", got, ok)
	}

	// Case 2: Context without caller
	if _, ok := o.uid(t.Context()); ok {
		t.Error("uid reported without a caller")
	}
	if o.gid != nil {
		t.Error("MirrorOwner set the group mapper")
	}
}

func TestMirrorGroup(t *testing.T) {
	var o options
	MirrorGroup()(&o)

	caller := &fuse.Caller{Owner: fuse.Owner{Uid: 1234, Gid: 5678}}
	ctx := fuse.NewContext(t.Context(), caller)
	if got, ok := o.gid(ctx); !ok || got != 5678 {
		t.Errorf("gid = %d, %v; want 5678, true", got, ok)
	}
	if _, ok := o.gid(t.Context()); ok {
		t.Error("gid reported without a caller")
	}
}

func TestMirror_AppliedToAttr(t *testing.T) {
	n := &node{uid: callerUID, gid: callerGID}
	caller := &fuse.Caller{Owner: fuse.Owner{Uid: 42, Gid: 43}}
	ctx := fuse.NewContext(t.Context(), caller)

	out := fuse.Attr{Owner: fuse.Owner{Uid: 1, Gid: 2}}
	n.mirror(ctx, &out)
	if out.Uid != 42 || out.Gid != 43 {
		t.Errorf("owner = %d:%d, want 42:43", out.Uid, out.Gid)
	}

	out = fuse.Attr{Owner: fuse.Owner{Uid: 1, Gid: 2}}
	(&node{}).mirror(ctx, &out)
	if out.Uid != 1 || out.Gid != 2 {
		t.Errorf("owner changed without mirroring: %d:%d", out.Uid, out.Gid)
	}
}
