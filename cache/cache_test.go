package cache_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/diffusekit/diffusekit/cache"
	"github.com/diffusekit/diffusekit/convert"
	"github.com/diffusekit/diffusekit/internal/fixture"
	"github.com/diffusekit/diffusekit/model"
)

func testModel(t *testing.T, family convert.Family) *model.Model {
	t.Helper()

	c, _, err := fixture.Checkpoint(family)
	if err != nil {
		t.Fatal(err)
	}

	r, err := convert.Convert(c, nil, "")
	if err != nil {
		t.Fatal(err)
	}

	m, err := model.Assemble(r)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestStoreLookupRoundTrip(t *testing.T) {
	mgr := cache.NewManager(t.TempDir())
	m := testModel(t, convert.FamilyOpenCLIP)

	if err := mgr.Store("sd21", m, cache.Manifest{Keyword: "sd21-style"}); err != nil {
		t.Fatal(err)
	}

	got, mf, err := mgr.Lookup("sd21")
	if err != nil {
		t.Fatal(err)
	}

	if mf.Name != "sd21" || mf.Keyword != "sd21-style" {
		t.Errorf("manifest = %+v", mf)
	}
	if mf.Family != convert.FamilyOpenCLIP {
		t.Errorf("family = %s, want %s", mf.Family, convert.FamilyOpenCLIP)
	}
	if mf.SampleSize != m.UNet.Config.SampleSize*8 {
		t.Errorf("sample size = %d, want %d", mf.SampleSize, m.UNet.Config.SampleSize*8)
	}

	if diff := cmp.Diff(m.UNet.Config, got.UNet.Config); diff != "" {
		t.Errorf("unet config mismatch (-stored +loaded):\n%s", diff)
	}
	if diff := cmp.Diff(m.Scheduler.Config, got.Scheduler.Config); diff != "" {
		t.Errorf("scheduler config mismatch (-stored +loaded):\n%s", diff)
	}

	// weights survive the disk round trip exactly
	for _, k := range []string{"conv_in.weight", "conv_out.bias"} {
		if diff := cmp.Diff(m.UNet.State[k].Data, got.UNet.State[k].Data); diff != "" {
			t.Errorf("%s mismatch (-stored +loaded):\n%s", k, diff)
		}
	}
	if len(got.VAE.State) != len(m.VAE.State) {
		t.Errorf("vae state size = %d, want %d", len(got.VAE.State), len(m.VAE.State))
	}
}

func TestLookupMissing(t *testing.T) {
	mgr := cache.NewManager(t.TempDir())

	_, _, err := mgr.Lookup("nope")
	if !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLookupRejectsTruncatedConfig(t *testing.T) {
	dir := t.TempDir()
	mgr := cache.NewManager(dir)
	m := testModel(t, convert.FamilyCLIP)

	if err := mgr.Store("sd15", m, cache.Manifest{}); err != nil {
		t.Fatal(err)
	}

	// a hand-edited entry with the channel list emptied out must surface as
	// an error, not a crash during key enumeration
	p := filepath.Join(dir, "sd15", "unet", "config.json")
	bts, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}

	var cfg map[string]any
	if err := json.Unmarshal(bts, &cfg); err != nil {
		t.Fatal(err)
	}
	cfg["block_out_channels"] = []int{}

	bts, err = json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, bts, 0o644); err != nil {
		t.Fatal(err)
	}

	_, _, err = mgr.Lookup("sd15")

	var iac *convert.InvalidArchitectureConfig
	if !errors.As(err, &iac) {
		t.Fatalf("err = %v, want InvalidArchitectureConfig", err)
	}
	if iac.Field != "unet.block_out_channels" {
		t.Errorf("field = %q, want unet.block_out_channels", iac.Field)
	}
}

func TestStoreIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	mgr := cache.NewManager(dir)
	m := testModel(t, convert.FamilyCLIP)

	if err := mgr.Store("sd15", m, cache.Manifest{}); err != nil {
		t.Fatal(err)
	}

	first, err := os.ReadFile(filepath.Join(dir, "sd15", "unet", "model.safetensors"))
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.Store("sd15", m, cache.Manifest{}); err != nil {
		t.Fatal(err)
	}

	second, err := os.ReadFile(filepath.Join(dir, "sd15", "unet", "model.safetensors"))
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(first, second); diff != "" {
		t.Error("repeated store produced different bytes")
	}

	// no temporary staging directories left behind
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "sd15" {
			t.Errorf("stray entry %q in cache root", e.Name())
		}
	}
}
