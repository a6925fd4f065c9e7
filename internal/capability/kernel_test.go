package capability

import (
	"reflect"
	"strings"
	"testing"

	"github.com/plugink/plugink/internal/ids"
)

func TestConstrainNeverWidens(t *testing.T) {
	fc := FileCapability{Paths: []string{"/data"}, Read: true, Write: true}

	narrowed, err := fc.Constrain(Constraint{FilePathPrefix: "/data/reports", DropFileWrite: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nfc := narrowed.(FileCapability)
	if nfc.Write {
		t.Fatal("constrain must not retain write access once dropped")
	}

	// Attempting to widen the prefix back out must fail.
	if _, err := nfc.Constrain(Constraint{FilePathPrefix: "/data"}); err == nil {
		t.Fatal("expected constraint widening the path prefix to be rejected")
	}
}

func TestSplitJoinRoundTrips(t *testing.T) {
	fc := FileCapability{Paths: []string{"/data"}, Read: true, Write: true}
	parts := fc.Split()
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	joined, err := parts[0].Join(parts[1])
	if err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	jfc := joined.(FileCapability)
	if !reflect.DeepEqual(jfc, fc) {
		t.Fatalf("split/join round-trip mismatch: got %+v, want %+v", jfc, fc)
	}
}

func TestSplitJoinRoundTripsMultiPath(t *testing.T) {
	fc := FileCapability{Paths: []string{"/tmp/a", "/tmp/b"}, Read: true}
	parts := fc.Split()
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	joined, err := parts[0].Join(parts[1])
	if err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	jfc := joined.(FileCapability)
	if !samePathSet(jfc.Paths, fc.Paths) || jfc.Read != fc.Read || jfc.Write != fc.Write {
		t.Fatalf("split/join round-trip mismatch: got %+v, want %+v", jfc, fc)
	}
}

// TestPartialRevokeFileReadDenial reproduces spec.md §8 scenario 1
// verbatim: a read-only grant over /tmp, partially revoked for
// /tmp/secret, must deny that path while still permitting siblings.
func TestPartialRevokeFileReadDenial(t *testing.T) {
	k := NewKernel(nil, nil)
	plugin := ids.NewPluginId()
	id := k.Grant(plugin, FileCapability{Paths: []string{"/tmp"}, Read: true})

	if err := k.PartialRevoke(plugin, id, FileRequest("/tmp/secret", true, false)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if d, _ := k.Check(plugin, FileRequest("/tmp/secret", true, false)); d.Allowed {
		t.Fatal("expected /tmp/secret read to be denied after partial revocation")
	}
	if d, _ := k.Check(plugin, FileRequest("/tmp/other", true, false)); !d.Allowed {
		t.Fatal("expected /tmp/other read to remain permitted after partial revocation")
	}
}

// TestPartialRevokeSplitsMultiPathGrant exercises the split-first
// strategy directly: a capability holding several discrete paths
// revokes by dropping the offending path's part and rejoining the rest.
func TestPartialRevokeSplitsMultiPathGrant(t *testing.T) {
	k := NewKernel(nil, nil)
	plugin := ids.NewPluginId()
	id := k.Grant(plugin, FileCapability{Paths: []string{"/tmp/file1.txt", "/tmp/file2.txt"}, Read: true, Write: true})

	req := FileRequest("/tmp/file1.txt", true, false)
	if err := k.PartialRevoke(plugin, id, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if d, _ := k.Check(plugin, req); d.Allowed {
		t.Fatal("expected revoked request to be denied")
	}
	if d, _ := k.Check(plugin, FileRequest("/tmp/file2.txt", true, false)); !d.Allowed {
		t.Fatal("expected the other path to remain permitted")
	}
	// Splitting is path-granular: the part that covers file1 is dropped
	// entirely (not just its read half), since that part is the one
	// whose Permits matched the revoked request.
	if d, _ := k.Check(plugin, FileRequest("/tmp/file1.txt", false, true)); d.Allowed {
		t.Fatal("expected file1 to lose all access once its split part was dropped")
	}
	if d, _ := k.Check(plugin, FileRequest("/tmp/file2.txt", false, true)); !d.Allowed {
		t.Fatal("expected write on the untouched path to remain permitted")
	}
}

func TestPartialRevokeNoChangeWhenAlreadyDenied(t *testing.T) {
	k := NewKernel(nil, nil)
	plugin := ids.NewPluginId()
	id := k.Grant(plugin, FileCapability{Paths: []string{"/tmp/file.txt"}, Read: true})

	// The capability never granted write, so revoking a write request
	// against it is a no-op; read access must be untouched.
	if err := k.PartialRevoke(plugin, id, FileRequest("/tmp/file.txt", false, true)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d, _ := k.Check(plugin, FileRequest("/tmp/file.txt", true, false)); !d.Allowed {
		t.Fatal("expected read access to be unchanged")
	}
}

func TestPartialRevokeFailsWhenItWouldEliminateAllAuthority(t *testing.T) {
	k := NewKernel(nil, nil)
	plugin := ids.NewPluginId()
	// Both granted paths cover the request, so every split part permits
	// it and none survive the filter.
	id := k.Grant(plugin, FileCapability{Paths: []string{"/tmp/a", "/tmp/a/b"}, Read: true})

	err := k.PartialRevoke(plugin, id, FileRequest("/tmp/a/b/c", true, false))
	if err == nil {
		t.Fatal("expected an error when partial revocation would remove all permissions")
	}
}

func TestPartialRevokeUnsupportedForNonFileKind(t *testing.T) {
	k := NewKernel(nil, nil)
	plugin := ids.NewPluginId()
	id := k.Grant(plugin, NetworkCapability{Host: "api.internal", Connect: true})

	err := k.PartialRevoke(plugin, id, NetworkRequest("api.internal", 0, true, false))
	if err == nil {
		t.Fatal("expected an error: single-mode non-file grants have no revocation strategy")
	}
}

func TestKernelGrantRevokeCheck(t *testing.T) {
	k := NewKernel(nil, nil)
	plugin := ids.NewPluginId()

	if d, _ := k.Check(plugin, FileRequest("/etc/passwd", true, false)); d.Allowed {
		t.Fatal("ungranted plugin must be denied")
	}

	id := k.Grant(plugin, FileCapability{Paths: []string{"/etc"}, Read: true})
	if d, _ := k.Check(plugin, FileRequest("/etc/passwd", true, false)); !d.Allowed {
		t.Fatal("expected grant to permit matching request")
	}

	if !k.HasKind(plugin, KindFile) {
		t.Fatal("expected index to report file capability present")
	}

	if err := k.Revoke(id); err != nil {
		t.Fatalf("unexpected error revoking: %v", err)
	}
	if d, _ := k.Check(plugin, FileRequest("/etc/passwd", true, false)); d.Allowed {
		t.Fatal("expected request to be denied after revoke")
	}
	if k.HasKind(plugin, KindFile) {
		t.Fatal("expected index to be cleared after revoke")
	}
}

func TestKernelSplitJoin(t *testing.T) {
	k := NewKernel(nil, nil)
	plugin := ids.NewPluginId()
	id := k.Grant(plugin, NetworkCapability{Host: "api.internal", Connect: true, Listen: true})

	parts, err := k.Split(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}

	joined, err := k.Join(parts[0], parts[1])
	if err != nil {
		t.Fatalf("unexpected error joining: %v", err)
	}
	caps := k.List(plugin)
	jc, ok := caps[joined].(NetworkCapability)
	if !ok {
		t.Fatalf("expected joined capability to be present")
	}
	if !jc.Connect || !jc.Listen {
		t.Fatal("expected joined capability to restore both connect and listen")
	}
}

func TestKernelMergeByKind(t *testing.T) {
	k := NewKernel(nil, nil)
	plugin := ids.NewPluginId()
	k.Grant(plugin, FileCapability{Paths: []string{"/tmp"}, Read: true})
	k.Grant(plugin, FileCapability{Paths: []string{"/var"}, Read: true})

	merged, err := k.MergeByKind(plugin, KindFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	caps := k.List(plugin)
	if len(caps) != 1 {
		t.Fatalf("expected exactly one capability after merge, got %d", len(caps))
	}
	mc, ok := caps[merged].(FileCapability)
	if !ok {
		t.Fatalf("expected merged capability to be a FileCapability, got %T", caps[merged])
	}
	if d := mc.Permits(FileRequest("/tmp/file", true, false)); !d.Allowed {
		t.Fatal("expected merged capability to retain read access to /tmp")
	}
	if d := mc.Permits(FileRequest("/var/file", true, false)); !d.Allowed {
		t.Fatal("expected merged capability to retain read access to /var")
	}
}

func TestKernelMergeByKindNoOpForSingleGrant(t *testing.T) {
	k := NewKernel(nil, nil)
	plugin := ids.NewPluginId()
	id := k.Grant(plugin, FileCapability{Paths: []string{"/tmp"}, Read: true})

	merged, err := k.MergeByKind(plugin, KindFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged != id {
		t.Fatal("expected a lone capability to be returned unchanged")
	}
}

func TestFilterCapabilityDelegates(t *testing.T) {
	inner := FileCapability{Paths: []string{"/data"}, Read: true}
	var seen []Request
	fc := FilterCapability{
		Inner: inner,
		Predicate: func(r Request) bool {
			seen = append(seen, r)
			return r.FilePath != "/data/blocked"
		},
	}
	if d := fc.Permits(FileRequest("/data/ok", true, false)); !d.Allowed {
		t.Fatal("expected predicate to allow and delegate to inner")
	}
	if d := fc.Permits(FileRequest("/data/blocked", true, false)); d.Allowed {
		t.Fatal("expected predicate to deny regardless of inner grant")
	}
	if len(seen) != 2 {
		t.Fatalf("expected predicate invoked twice, got %d", len(seen))
	}
}

// TestProxyCapabilityRemapsPath mirrors the canonical proxy use case: a
// request against /tmp is transformed to /var/www before the inner
// capability (which only knows about /var/www) ever sees it.
func TestProxyCapabilityRemapsPath(t *testing.T) {
	inner := FileCapability{Paths: []string{"/var/www"}, Read: true}
	remapTmpToVarWww := func(req Request) Request {
		if req.Kind != KindFile || !strings.HasPrefix(req.FilePath, "/tmp") {
			return req
		}
		req.FilePath = "/var/www" + req.FilePath[len("/tmp"):]
		return req
	}
	pc := ProxyCapability{Inner: inner, Transform: remapTmpToVarWww}

	if d := pc.Permits(FileRequest("/tmp/file", true, false)); !d.Allowed {
		t.Fatalf("expected remapped read to be permitted, got deny: %s", d.Reason)
	}
	if d := pc.Permits(FileRequest("/tmp/file", false, true)); d.Allowed {
		t.Fatal("expected remapped write to be denied: inner capability is read-only")
	}
	if d := pc.Permits(FileRequest("/etc/passwd", true, false)); d.Allowed {
		t.Fatal("expected an unmapped path to be denied by the inner capability")
	}
}
