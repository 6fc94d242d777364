package store_test

import (
	"context"
	"errors"
	"testing"

	"fleetplane/internal/store"
	"fleetplane/internal/store/storetest"
)

func TestEnsureJWTSecret_GeneratesOnce(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()

	calls := 0
	gen := func() (string, error) {
		calls++
		return "secret-" + string(rune('a'+calls)), nil
	}
	first, err := st.EnsureJWTSecret(ctx, gen)
	if err != nil {
		t.Fatalf("EnsureJWTSecret: %v", err)
	}
	second, err := st.EnsureJWTSecret(ctx, gen)
	if err != nil {
		t.Fatalf("EnsureJWTSecret: %v", err)
	}
	if first != second || calls != 1 {
		t.Fatalf("secret should be generated once: first=%q second=%q calls=%d", first, second, calls)
	}
}

func TestSettings_PartialUpdate(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()

	raw, err := st.GetSettingsJSON(ctx, store.SettingsSubscription)
	if err != nil || raw != "{}" {
		t.Fatalf("default settings=%q err=%v", raw, err)
	}
	if err := st.SetSetting(ctx, store.SettingsSubscription, "template.name", "default"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := st.SetSetting(ctx, store.SettingsSubscription, "rules.max", 3); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	name, err := st.GetSetting(ctx, store.SettingsSubscription, "template.name")
	if err != nil || name.String() != "default" {
		t.Fatalf("template.name=%q err=%v", name.String(), err)
	}
	limit, _ := st.GetSetting(ctx, store.SettingsSubscription, "rules.max")
	if limit.Int() != 3 {
		t.Fatalf("rules.max=%d, want 3", limit.Int())
	}
	if err := st.SetSetting(ctx, "bogus", "a", 1); !errors.Is(err, store.ErrInvalidArgument) {
		t.Fatalf("unknown section should be rejected, got %v", err)
	}
}

func TestSettings_SetRaw(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()

	if err := st.SetSettingRaw(ctx, store.SettingsTelegram, "chat_ids", `[1, 2]`); err != nil {
		t.Fatalf("SetSettingRaw: %v", err)
	}
	ids, err := st.GetSetting(ctx, store.SettingsTelegram, "chat_ids.#")
	if err != nil || ids.Int() != 2 {
		t.Fatalf("chat_ids count=%d err=%v", ids.Int(), err)
	}
	if err := st.SetSettingRaw(ctx, store.SettingsTelegram, "chat_ids", `[1,`); !errors.Is(err, store.ErrInvalidArgument) {
		t.Fatalf("invalid JSON should be rejected, got %v", err)
	}
}

func TestTLS_Upsert(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()

	if _, err := st.GetTLS(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before set, got %v", err)
	}
	for _, cert := range []string{"cert-1", "cert-2"} {
		if err := st.SetTLS(ctx, store.TLSMaterial{Key: "k", Certificate: cert}); err != nil {
			t.Fatalf("SetTLS: %v", err)
		}
	}
	got, err := st.GetTLS(ctx)
	if err != nil || got.Certificate != "cert-2" {
		t.Fatalf("GetTLS=%+v err=%v", got, err)
	}
}
