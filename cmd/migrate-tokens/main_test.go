package main

import (
	"context"
	"testing"

	"github.com/duclems/pointsbot/crypto"
	"github.com/duclems/pointsbot/store"
	"github.com/duclems/pointsbot/testutil"
)

const (
	testKey  = "dGVzdC1lbmNyeXB0aW9uLWtleS0zMi1ieXRlcyEhISE="
	otherKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	record   = `{"accessToken":"test-access-token","refreshToken":"test-refresh-token","userId":"1234","version":"2.0"}`
)

func newEncryptor(t *testing.T, key string) crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}
	return enc
}

func fileBackend(t *testing.T) store.Backend {
	t.Helper()
	b, err := store.NewFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func seed(t *testing.T, b store.Backend, data []byte) {
	t.Helper()
	if err := b.Save(context.Background(), store.KeyCredentials, data); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func assertState(t *testing.T, b store.Backend, want string) {
	t.Helper()
	got, err := recordState(context.Background(), b)
	if err != nil {
		t.Fatalf("recordState: %v", err)
	}
	if got != want {
		t.Fatalf("record state = %q, want %q", got, want)
	}
}

func TestMigrateCredentials_DryRun(t *testing.T) {
	b := fileBackend(t)
	seed(t, b, []byte(record))
	if err := migrateCredentials(context.Background(), b, newEncryptor(t, testKey), nil, true); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	assertState(t, b, statePlaintext)
}

func TestMigrateCredentials_Seals(t *testing.T) {
	exercise := func(t *testing.T, b store.Backend) {
		seed(t, b, []byte(record))
		enc := newEncryptor(t, testKey)
		ctx := context.Background()
		if err := migrateCredentials(ctx, b, enc, nil, false); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		assertState(t, b, stateEncrypted)

		data, err := b.Load(ctx, store.KeyCredentials)
		if err != nil {
			t.Fatal(err)
		}
		plain, err := crypto.Open(enc, data)
		if err != nil {
			t.Fatalf("open sealed record: %v", err)
		}
		if string(plain) != record {
			t.Errorf("decrypted record = %s", plain)
		}

		// idempotent
		if err := migrateCredentials(ctx, b, enc, nil, false); err != nil {
			t.Fatalf("second migrate: %v", err)
		}
	}
	t.Run("file", func(t *testing.T) { exercise(t, fileBackend(t)) })
	t.Run("postgres", func(t *testing.T) { exercise(t, &store.Postgres{DB: testutil.SetupTestDB(t)}) })
}

func TestMigrateCredentials_Rotation(t *testing.T) {
	b := fileBackend(t)
	old := newEncryptor(t, otherKey)
	sealed, err := crypto.Seal(old, []byte(record))
	if err != nil {
		t.Fatal(err)
	}
	seed(t, b, sealed)
	next := newEncryptor(t, testKey)
	ctx := context.Background()

	if err := migrateCredentials(ctx, b, next, nil, false); err == nil {
		t.Fatal("expected error when the record is sealed with another key")
	}
	if err := migrateCredentials(ctx, b, next, old, false); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	data, _ := b.Load(ctx, store.KeyCredentials)
	if _, err := crypto.Open(next, data); err != nil {
		t.Fatalf("record not readable with the new key: %v", err)
	}
}

func TestMigrateCredentials_Missing(t *testing.T) {
	b := fileBackend(t)
	if err := migrateCredentials(context.Background(), b, newEncryptor(t, testKey), nil, false); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	assertState(t, b, stateMissing)
}
