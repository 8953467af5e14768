package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/errs"
	"github.com/vaultcron/vaultcron/internal/rotation"
	"github.com/vaultcron/vaultcron/internal/runctx"
)

// externalDescriptor is the stdout JSON contract §6 defines for the
// external job kind.
type externalDescriptor struct {
	FullPath string `json:"full_path"`
	Basename string `json:"basename"`
	Ext      string `json:"extension"`
	Gzip     bool   `json:"gzip"`
}

// ExternalDumper runs a source's dump_cmd, parses the JSON descriptor it
// must emit on stdout, validates the file it names exists, and renames it
// into the canonical artifact naming scheme before handing it to the
// rotation engine, per §4.6/§6.
type ExternalDumper struct{}

func (ExternalDumper) Dump(ctx context.Context, log *zap.Logger, jc *runctx.JobContext) error {
	tokens := clockTokens(jc)
	stamp := tokens.ArtifactStamp
	tmpDir, err := newJobTmpDir(jc, stamp)
	if err != nil {
		return err
	}
	defer removeTmpDir(log, tmpDir)

	deferred := rotation.NewDeferred(jc.Rotation, log, tokens, jc.Job.Name, destPtrs(jc.Job), jc.Job.SafetyBackup, jc.Job.DeferredCopyingLevel)

	for i, src := range jc.Job.Sources {
		desc, err := runExternalDumpCmd(ctx, src)
		if err != nil {
			log.Error("external dump_cmd failed", zap.Error(err))
			continue
		}

		if _, statErr := os.Stat(desc.FullPath); statErr != nil {
			log.Error("external descriptor full_path does not exist",
				zap.String("full_path", desc.FullPath), zap.Error(statErr))
			continue
		}

		finalPath := filepath.Join(tmpDir, canonicalExternalName(desc, stamp))
		if err := os.Rename(desc.FullPath, finalPath); err != nil {
			log.Error("failed to rename external dump output", zap.Error(err))
			continue
		}

		rel := desc.Basename
		if rel == "" {
			rel = fmt.Sprintf("external-%d", i)
		}
		deferred.Add(ctx, finalPath, rel)
		deferred.FlushTarget(ctx)
		deferred.FlushSourceBlock(ctx)
	}
	deferred.FlushAll(ctx)
	return nil
}

// canonicalExternalName renames the descriptor's own extension/gzip into
// the artifact filename grammar from §6:
// (<prefix>-)?<basename>_YYYY-MM-DD_HH-MM.<ext>(.gz)?
func canonicalExternalName(desc *externalDescriptor, stamp string) string {
	ext := desc.Ext
	name := fmt.Sprintf("%s_%s.%s", desc.Basename, stamp, ext)
	if desc.Gzip {
		name += ".gz"
	}
	return name
}

// runExternalDumpCmd runs src.DumpCmd through a shell (the descriptor
// protocol is shell-agnostic text on stdout, matching how the original
// tool's `dump_cmd` is an arbitrary shell command) and parses its stdout as
// an externalDescriptor.
func runExternalDumpCmd(ctx context.Context, src config.Source) (*externalDescriptor, error) {
	if src.DumpCmd == "" {
		return nil, fmt.Errorf("%w: source has no dump_cmd", errs.ErrConfig)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", src.DumpCmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: dump_cmd exited: %s: %s", errs.ErrDumpFailed, err, stderr.String())
	}

	var desc externalDescriptor
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &desc); err != nil {
		return nil, fmt.Errorf("%w: dump_cmd stdout is not valid JSON: %s", errs.ErrExternalDescriptor, err)
	}
	if desc.FullPath == "" || desc.Basename == "" || desc.Ext == "" {
		return nil, fmt.Errorf("%w: descriptor missing required field(s)", errs.ErrExternalDescriptor)
	}
	return &desc, nil
}
