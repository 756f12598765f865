package cognitive

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestStructureLayers(t *testing.T) {
	s := Structure{LModules: 2, HModules: 1}
	got := s.Layers()
	want := []string{"L_module_0", "L_module_1", "H_module_0"}
	if len(got) != len(want) {
		t.Fatalf("layers = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("layer %d = %q, want %q", i, got[i], want[i])
		}
	}
	if !(Structure{}).Empty() {
		t.Error("zero structure should be empty")
	}
}

func TestLoRAExportIsCopy(t *testing.T) {
	a := NewLoRAAdapter("ad-1", LoRAConfig{Rank: 2, InDim: 3, OutDim: 4, Seed: 1})
	w := a.ExportWeights()
	w["lora_0"][LoRAA].Data[0] = 99
	if a.ExportWeights()["lora_0"][LoRAA].Data[0] == 99 {
		t.Fatal("export leaked internal tensor")
	}
	if got := a.ExportWeights()["lora_0"][LoRAB]; got.Rows != 4 || got.Cols != 2 {
		t.Errorf("B shape = %dx%d, want 4x2", got.Rows, got.Cols)
	}
}

func TestLoRAImportAllOrNothing(t *testing.T) {
	a := NewLoRAAdapter("ad-1", LoRAConfig{Rank: 2, InDim: 2, OutDim: 2, Seed: 7})
	before := a.ExportWeights()

	w := a.ExportWeights()
	good := w["lora_0"]
	good[LoRAB].Data[0] = 0.5
	bad := w["lora_1"]
	bad[LoRAA] = NewTensor(3, 3)

	if err := a.ImportWeights(Weights{"lora_0": good, "lora_1": bad}); err == nil {
		t.Fatal("expected shape error")
	}
	if a.ExportWeights()["lora_0"][LoRAB].Data[0] != before["lora_0"][LoRAB].Data[0] {
		t.Fatal("partial import changed a module")
	}

	nan := a.ExportWeights()["lora_2"]
	nan[LoRAScaling].Data[0] = math.NaN()
	if err := a.ImportWeights(Weights{"lora_2": nan}); err == nil {
		t.Fatal("expected non-finite error")
	}

	if err := a.ImportWeights(Weights{"lora_0": good}); err != nil {
		t.Fatalf("import: %v", err)
	}
	if a.ExportWeights()["lora_0"][LoRAB].Data[0] != 0.5 {
		t.Error("import did not apply")
	}
	if err := a.ImportWeights(Weights{"missing": good}); err == nil {
		t.Error("unknown module should fail")
	}
}

func TestRemoteCore(t *testing.T) {
	var feedback float64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/structure", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int{"l_modules": 3, "h_modules": 2})
	})
	mux.HandleFunc("GET /api/layers/{name}/activation", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"layer": r.PathValue("name"), "activation": 0.75})
	})
	mux.HandleFunc("POST /api/layers/{name}/feedback", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]float64
		json.NewDecoder(r.Body).Decode(&body)
		feedback = body["signal"]
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/skills/discover", func(w http.ResponseWriter, r *http.Request) {
		var req discoverRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.AdapterID != "ad-9" || req.Dataset.ClusterID != "cluster_1" {
			t.Errorf("unexpected request %+v", req.Dataset)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"skillFound": true, "skillURI": "knirv://skill/trained-1", "confidence": 0.9,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewRemoteCore(RemoteConfig{Endpoint: srv.URL}, zap.NewNop())
	ctx := context.Background()

	s, err := c.Structure(ctx)
	if err != nil || s.LModules != 3 || s.HModules != 2 {
		t.Fatalf("structure = %+v, %v", s, err)
	}
	act, err := c.Activation(ctx, HModule(1))
	if err != nil || act != 0.75 {
		t.Fatalf("activation = %v, %v", act, err)
	}
	if err := c.Feedback(ctx, LModule(0), 0.25); err != nil || feedback != 0.25 {
		t.Fatalf("feedback = %v, %v", feedback, err)
	}

	ad := NewLoRAAdapter("ad-9", LoRAConfig{Rank: 1, InDim: 1, OutDim: 1})
	res, err := c.DiscoverSkill(ctx, ad, Dataset{ID: "ds", ClusterID: "cluster_1"})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if res.SkillURI != "knirv://skill/trained-1" {
		t.Errorf("skill = %q", res.SkillURI)
	}
}

func TestRemoteCoreErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewRemoteCore(RemoteConfig{Endpoint: srv.URL}, zap.NewNop())
	if _, err := c.Structure(context.Background()); err == nil {
		t.Fatal("expected error on 503")
	}
}
