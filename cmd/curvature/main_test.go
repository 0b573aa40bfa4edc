package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-curvature/internal/config"
	"github.com/23skdu/longbow-curvature/internal/export"
	"github.com/23skdu/longbow-curvature/internal/monitoring"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func smallConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.DatasetSize = 24
	cfg.BatchSize = 8
	cfg.HiddenWidth = 4
	cfg.TrainEpochs = 2
	cfg.Swag.NSnapshotsTotal = 3
	cfg.ExportPath = t.TempDir()
	return cfg
}

func TestRunExportsFiles(t *testing.T) {
	tests := []struct {
		name    string
		backend config.Backend
		mc      bool
		prefix  string
	}{
		{"ggn", config.BackendGGN, false, "ggn"},
		{"ggn stochastic", config.BackendGGN, true, "ggn_mc"},
		{"ef", config.BackendEF, false, "ef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallConfig(t)
			cfg.Backend = tt.backend
			cfg.Stochastic = tt.mc
			if err := run(context.Background(), cfg, monitoring.NewHealthMonitor()); err != nil {
				t.Fatalf("run: %v", err)
			}
			for _, name := range []string{tt.prefix + "_diag", tt.prefix + "_kron", "swag_variance"} {
				f, err := os.Open(filepath.Join(cfg.ExportPath, name+".arrow"))
				if err != nil {
					t.Fatalf("missing export %s: %v", name, err)
				}
				recs, err := export.ReadStream(f, memory.NewGoAllocator())
				f.Close()
				if err != nil || len(recs) != 1 {
					t.Fatalf("%s: unexpected contents (%d records, err %v)", name, len(recs), err)
				}
				recs[0].Release()
			}
		})
	}
}
