package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/LeanderBB/you-have-mail-cli/internal/secrets"
	"github.com/LeanderBB/you-have-mail-cli/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "state.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestBlobRoundtrip(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, ok, err := st.GetBlob(ctx, "a@example.com"); err != nil || ok {
				t.Fatalf("GetBlob empty = ok:%v err:%v", ok, err)
			}

			in := secrets.Blob{
				Scheme: secrets.SchemeXChaCha,
				KeyID:  []byte{1, 2, 3, 4, 5, 6, 7, 8},
				Nonce:  []byte("nonce-nonce-nonce-nonce!"),
				Data:   []byte("ciphertext"),
			}
			if err := st.PutBlob(ctx, "a@example.com", in); err != nil {
				t.Fatalf("PutBlob: %v", err)
			}

			got, ok, err := st.GetBlob(ctx, "a@example.com")
			if err != nil || !ok {
				t.Fatalf("GetBlob = ok:%v err:%v", ok, err)
			}
			if got.Scheme != in.Scheme || string(got.Data) != string(in.Data) ||
				string(got.KeyID) != string(in.KeyID) || string(got.Nonce) != string(in.Nonce) {
				t.Fatalf("blob mismatch: %+v", got)
			}

			// Overwrite replaces, not duplicates.
			in.Data = []byte("ciphertext-v2")
			if err := st.PutBlob(ctx, "a@example.com", in); err != nil {
				t.Fatalf("PutBlob overwrite: %v", err)
			}
			got, _, _ = st.GetBlob(ctx, "a@example.com")
			if string(got.Data) != "ciphertext-v2" {
				t.Fatalf("overwrite not applied: %q", got.Data)
			}

			if err := st.DeleteBlob(ctx, "a@example.com"); err != nil {
				t.Fatalf("DeleteBlob: %v", err)
			}
			if _, ok, _ := st.GetBlob(ctx, "a@example.com"); ok {
				t.Fatal("blob survived delete")
			}
		})
	}
}

func TestSeenMessages(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ids := []string{"inbox/5:1", "inbox/5:2", "inbox/5:3"}

			unseen, err := st.FilterUnseen(ctx, "a@example.com", ids)
			if err != nil {
				t.Fatalf("FilterUnseen: %v", err)
			}
			if len(unseen) != 3 {
				t.Fatalf("unseen = %v, want all", unseen)
			}

			if err := st.MarkSeen(ctx, "a@example.com", ids[:2]); err != nil {
				t.Fatalf("MarkSeen: %v", err)
			}
			unseen, err = st.FilterUnseen(ctx, "a@example.com", ids)
			if err != nil {
				t.Fatalf("FilterUnseen: %v", err)
			}
			if len(unseen) != 1 || unseen[0] != "inbox/5:3" {
				t.Fatalf("unseen = %v, want [inbox/5:3]", unseen)
			}

			// Re-marking is idempotent.
			if err := st.MarkSeen(ctx, "a@example.com", ids[:2]); err != nil {
				t.Fatalf("MarkSeen again: %v", err)
			}

			// Another account is unaffected.
			unseen, err = st.FilterUnseen(ctx, "b@example.com", ids)
			if err != nil {
				t.Fatalf("FilterUnseen other: %v", err)
			}
			if len(unseen) != 3 {
				t.Fatalf("cross-account leak: %v", unseen)
			}
		})
	}
}

func TestPurgeAccount(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			blob := secrets.Blob{Scheme: secrets.SchemeXChaCha, KeyID: []byte("12345678"), Nonce: []byte("n"), Data: []byte("d")}
			if err := st.PutBlob(ctx, "gone@example.com", blob); err != nil {
				t.Fatalf("PutBlob: %v", err)
			}
			if err := st.MarkSeen(ctx, "gone@example.com", []string{"inbox/1:1"}); err != nil {
				t.Fatalf("MarkSeen: %v", err)
			}
			if err := st.PutBlob(ctx, "stays@example.com", blob); err != nil {
				t.Fatalf("PutBlob: %v", err)
			}

			if err := st.PurgeAccount(ctx, "gone@example.com"); err != nil {
				t.Fatalf("PurgeAccount: %v", err)
			}
			if _, ok, _ := st.GetBlob(ctx, "gone@example.com"); ok {
				t.Fatal("blob survived purge")
			}
			unseen, _ := st.FilterUnseen(ctx, "gone@example.com", []string{"inbox/1:1"})
			if len(unseen) != 1 {
				t.Fatal("seen rows survived purge")
			}
			if _, ok, _ := st.GetBlob(ctx, "stays@example.com"); !ok {
				t.Fatal("purge touched the wrong account")
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
