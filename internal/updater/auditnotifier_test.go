package updater

import (
	"path/filepath"
	"testing"

	"github.com/aschaap/picosnitch-go/internal/audit"
)

func TestAuditNotifierAppendsToAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := audit.Open(path)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}

	n := AuditNotifier{Audit: logger}
	n.Notify("new executable /usr/bin/curl")
	n.Notify("new connection 93.184.216.34:443")

	logger.Close()

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("audit.Verify: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
}

func TestAuditNotifierToleratesNilAuditLogger(t *testing.T) {
	n := AuditNotifier{}
	n.Notify("no audit logger configured")
}

func TestAuditNotifierClassifiesKnownTemplates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := audit.Open(path)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}

	n := AuditNotifier{Audit: logger}
	n.Notify("New executable detected for curl: /usr/bin/curl")
	n.Notify("First network connection detected for curl")
	n.Notify("New sha256 detected for curl: /usr/bin/curl")
	n.Notify("Suspicious results for curl")
	logger.Close()

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("audit.Verify: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("len(entries) = %d, want 4", len(entries))
	}

	want := []audit.NotificationKind{
		audit.KindNewExecutable, audit.KindFirstConnection, audit.KindNewDigest, audit.KindSuspicious,
	}
	for i, e := range entries {
		got, err := audit.UnmarshalNotification(e)
		if err != nil {
			t.Fatalf("UnmarshalNotification(entries[%d]): %v", i, err)
		}
		if got.Kind != want[i] {
			t.Errorf("entries[%d].Kind = %q, want %q", i, got.Kind, want[i])
		}
		if got.Name != "curl" {
			t.Errorf("entries[%d].Name = %q, want %q", i, got.Name, "curl")
		}
	}
	if entries[0].EventHash == "" {
		t.Error("expected non-empty event hash")
	}
}
