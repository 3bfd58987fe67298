// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

// Package release implements the release acquisition pipeline: metadata
// fetch, asset selection, bounded-retry download, checksum and sigstore
// verification, extraction, and wheel installation.
package release

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hephaestus-dev/hephaestus/internal/telemetry"
	"github.com/hephaestus-dev/hephaestus/pkg/archive"
)

// attemptState models the state machine of one download attempt.
type attemptState string

const (
	stateInit       attemptState = "init"
	stateConnecting attemptState = "connecting"
	stateStreaming  attemptState = "streaming"
	stateFlushing   attemptState = "flushing"
	stateDone       attemptState = "done"
	stateRetry      attemptState = "retry"
	stateFailed     attemptState = "failed"
)

// Progress reports pipeline advancement as a fraction in [0,1].
type Progress func(fraction float64, detail string)

func (p Progress) report(fraction float64, detail string) {
	if p != nil {
		p(fraction, detail)
	}
}

// Pipeline executes release installs.
type Pipeline struct {
	Client    *Client
	Verifier  SigstoreVerifier
	Installer Installer
	FS        billy.Filesystem
	Sink      *telemetry.Sink
	Logger    *zap.Logger
}

// NewPipeline wires a pipeline against the OS filesystem and the default
// release host.
func NewPipeline(sink *telemetry.Sink, logger *zap.Logger, verifier SigstoreVerifier, token string) *Pipeline {
	return &Pipeline{
		Client:    NewClient(sink, token),
		Verifier:  verifier,
		Installer: &PipInstaller{},
		FS:        osfs.New("/"),
		Sink:      sink,
		Logger:    logger,
	}
}

// Install runs the full pipeline for one request. Fatal verification
// failures delete the downloaded bytes before returning.
func (p *Pipeline) Install(ctx context.Context, req Request, progress Progress) (*InstalledRelease, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	// Stage 1: metadata.
	progress.report(0.05, "fetching release metadata")
	rel, err := p.Client.Release(ctx, req.Repository, req.Tag, req.Timeout, req.MaxRetries)
	if err != nil {
		return nil, err
	}
	// Stage 2: asset selection and name sanitization.
	asset, err := p.selectAsset(ctx, rel, req.AssetPattern)
	if err != nil {
		return nil, err
	}
	// Stage 3: checksum manifest, fetched alongside the sigstore bundle.
	progress.report(0.15, "locating verification assets")
	manifestAsset := findAsset(rel, req.ManifestPattern)
	p.emit(ctx, telemetry.EventReleaseManifestLocate, map[string]any{"pattern": req.ManifestPattern, "asset": assetName(manifestAsset)})
	if manifestAsset == nil && !req.AllowUnsigned {
		return nil, errors.Wrapf(ErrManifestMissing, "no asset matches %s", req.ManifestPattern)
	}
	sigstoreAsset := findAsset(rel, req.SigstorePattern)
	p.emit(ctx, telemetry.EventReleaseSigstoreLocate, map[string]any{"pattern": req.SigstorePattern, "asset": assetName(sigstoreAsset)})
	if sigstoreAsset == nil && req.RequireSigstore {
		return nil, errors.Wrapf(ErrSigstoreMissing, "no asset matches %s", req.SigstorePattern)
	}
	var manifestBytes, bundleBytes []byte
	g, gctx := errgroup.WithContext(ctx)
	if manifestAsset != nil {
		g.Go(func() error {
			var err error
			manifestBytes, err = p.Client.FetchAssetBytes(gctx, *manifestAsset, req.Timeout, req.MaxRetries)
			if err == nil {
				p.emit(gctx, telemetry.EventReleaseManifestDownload, map[string]any{"asset": manifestAsset.Name})
			}
			return err
		})
	}
	if sigstoreAsset != nil {
		g.Go(func() error {
			var err error
			bundleBytes, err = p.Client.FetchAssetBytes(gctx, *sigstoreAsset, req.Timeout, req.MaxRetries)
			if err == nil {
				p.emit(gctx, telemetry.EventReleaseSigstoreDownload, map[string]any{"asset": sigstoreAsset.Name})
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if manifestAsset == nil {
		p.emit(ctx, telemetry.EventReleaseManifestSkipped, map[string]any{"pattern": req.ManifestPattern})
	}
	if sigstoreAsset == nil {
		p.emit(ctx, telemetry.EventReleaseSigstoreMissing, map[string]any{"pattern": req.SigstorePattern})
	}
	// Cancellation checkpoint between downloads.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Stage 4: asset download to a temp file under destination.
	progress.report(0.3, "downloading "+asset.Name)
	assetPath, size, err := p.download(ctx, req, asset)
	if err != nil {
		return nil, err
	}
	discard := func() { p.FS.Remove(assetPath) }
	// Stage 5: checksum verification.
	var digest string
	if manifestBytes != nil {
		progress.report(0.6, "verifying checksum")
		digest, err = p.verifyChecksum(ctx, manifestBytes, asset.Name, assetPath)
		if err != nil {
			discard()
			return nil, err
		}
	} else {
		f, err := p.FS.Open(assetPath)
		if err != nil {
			return nil, errors.Wrap(err, "reopening download")
		}
		digest, err = SHA256(f)
		f.Close()
		if err != nil {
			discard()
			return nil, err
		}
	}
	verified := VerifiedAsset{Name: asset.Name, Path: assetPath, Size: size, SHA256: digest}
	// Stage 6: sigstore verification. A present bundle that fails to verify
	// is fatal even when attestation was not required.
	if bundleBytes != nil {
		progress.report(0.7, "verifying attestation")
		verdict, err := p.verifyBundle(ctx, bundleBytes, assetPath, req)
		if err != nil {
			discard()
			return nil, err
		}
		verified.Verdict = verdict
		verified.SigstoreBundle = sigstoreAsset.Name
		p.emit(ctx, telemetry.EventReleaseSigstoreVerified, map[string]any{
			"asset": asset.Name, "subject": verdict.Subject, "issuer": verdict.Issuer, "identities": verdict.Identities,
		})
	}
	// Cancellation checkpoint before extraction.
	if err := ctx.Err(); err != nil {
		discard()
		return nil, err
	}
	// Stage 7: extract and install.
	progress.report(0.8, "extracting wheelhouse")
	wheelhouse := path.Join(req.Destination, "wheelhouse")
	wheels, err := p.extract(ctx, assetPath, asset.Name, wheelhouse)
	if err != nil {
		discard()
		return nil, err
	}
	p.emit(ctx, telemetry.EventReleaseInstallStart, map[string]any{"wheelhouse": wheelhouse, "wheels": len(wheels)})
	progress.report(0.9, "installing wheels")
	if err := p.Installer.Install(ctx, wheels, func(command string) {
		p.emit(ctx, telemetry.EventReleaseInstallInvoke, map[string]any{"command": command})
	}); err != nil {
		return nil, errors.Wrap(err, "installing wheels")
	}
	p.emit(ctx, telemetry.EventReleaseInstallComplete, map[string]any{"wheels": len(wheels)})
	progress.report(1, "complete")
	return &InstalledRelease{
		Repository: req.Repository,
		Tag:        rel.TagName,
		Asset:      verified,
		Wheelhouse: wheelhouse,
		Wheels:     wheels,
	}, nil
}

func (p *Pipeline) selectAsset(ctx context.Context, rel *Release, pattern string) (*Asset, error) {
	asset := findAsset(rel, pattern)
	if asset == nil {
		return nil, errors.Wrapf(ErrAssetNotFound, "pattern %s against %d assets", pattern, len(rel.Assets))
	}
	sanitised := sanitizeName(asset.Name)
	if sanitised != asset.Name {
		p.emit(ctx, telemetry.EventReleaseAssetSanitised, map[string]any{"original": asset.Name, "sanitised": sanitised})
		asset = &Asset{Name: sanitised, Size: asset.Size, DownloadURL: asset.DownloadURL, ContentType: asset.ContentType}
	}
	return asset, nil
}

// sanitizeName strips path separators and parent-traversal components so the
// asset can never be written outside the destination.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(path.Clean("/" + name))
	if name == "/" || name == "." {
		return "asset"
	}
	return name
}

func findAsset(rel *Release, pattern string) *Asset {
	if pattern == "" {
		return nil
	}
	for i, asset := range rel.Assets {
		if ok, err := path.Match(pattern, asset.Name); err == nil && ok {
			return &rel.Assets[i]
		}
	}
	return nil
}

func assetName(a *Asset) string {
	if a == nil {
		return ""
	}
	return a.Name
}

// download streams the asset into a temp file under the destination and
// renames it into place once flushed. The attempt state machine transitions
// Init -> Connecting -> Streaming -> Flushing -> Done; the retry loop lives
// in the client.
func (p *Pipeline) download(ctx context.Context, req Request, asset *Asset) (string, int64, error) {
	if err := p.FS.MkdirAll(req.Destination, 0o755); err != nil {
		return "", 0, errors.Wrap(err, "creating destination")
	}
	p.emit(ctx, telemetry.EventReleaseDownloadStart, map[string]any{"asset": asset.Name, "size": asset.Size})
	stop := p.Sink.StartTimer(ctx, telemetry.HistReleaseDownload)
	defer stop()
	state := stateInit
	var tmp billy.File
	var tmpName string
	cleanup := func() {
		if tmp != nil {
			tmp.Close()
			p.FS.Remove(tmpName)
			tmp = nil
		}
	}
	err := p.Client.FetchAsset(ctx, *asset, req.Timeout, req.MaxRetries, func() (w io.Writer, err error) {
		// A fresh attempt restarts the file so no partial bytes survive.
		state = stateConnecting
		cleanup()
		tmp, err = util.TempFile(p.FS, req.Destination, "."+asset.Name+".partial-")
		if err != nil {
			return nil, errors.Wrap(err, "creating temp file")
		}
		tmpName = tmp.Name()
		state = stateStreaming
		return tmp, nil
	})
	if err != nil {
		state = stateFailed
		cleanup()
		return "", 0, errors.Wrapf(err, "download failed in state %s", state)
	}
	state = stateFlushing
	if err := tmp.Close(); err != nil {
		p.FS.Remove(tmpName)
		return "", 0, errors.Wrap(err, "flushing download")
	}
	tmp = nil
	final := path.Join(req.Destination, asset.Name)
	if err := p.FS.Rename(tmpName, final); err != nil {
		p.FS.Remove(tmpName)
		return "", 0, errors.Wrap(err, "placing download")
	}
	state = stateDone
	info, err := p.FS.Stat(final)
	var size int64
	if err == nil {
		size = info.Size()
	}
	p.emit(ctx, telemetry.EventReleaseDownloadComplete, map[string]any{"asset": asset.Name, "size": size, "state": string(state)})
	return final, size, nil
}

func (p *Pipeline) verifyChecksum(ctx context.Context, manifestBytes []byte, name, assetPath string) (string, error) {
	manifest := ParseChecksumManifest(manifestBytes)
	f, err := p.FS.Open(assetPath)
	if err != nil {
		return "", errors.Wrap(err, "reopening download")
	}
	defer f.Close()
	digest, err := VerifyChecksum(manifest, name, f)
	if err != nil {
		return "", err
	}
	p.emit(ctx, telemetry.EventReleaseManifestVerified, map[string]any{"asset": name, "sha256": digest})
	return digest, nil
}

func (p *Pipeline) verifyBundle(ctx context.Context, bundleBytes []byte, assetPath string, req Request) (*Verdict, error) {
	if p.Verifier == nil {
		return nil, errors.Wrap(ErrSigstoreVerifyFailed, "no trust material configured")
	}
	f, err := p.FS.Open(assetPath)
	if err != nil {
		return nil, errors.Wrap(err, "reopening download")
	}
	artifact, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, errors.Wrap(err, "reading download")
	}
	verdict, err := p.Verifier.Verify(ctx, bundleBytes, artifact)
	if err != nil {
		return nil, err
	}
	if req.RequireSigstore || len(req.SigstoreIdentities) > 0 {
		if err := PinIdentities(verdict, req.SigstoreIdentities); err != nil {
			return nil, err
		}
	}
	return verdict, nil
}

func (p *Pipeline) extract(ctx context.Context, assetPath, assetName, wheelhouse string) ([]string, error) {
	f, err := p.FS.Open(assetPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening archive")
	}
	defer f.Close()
	var files []string
	switch {
	case strings.HasSuffix(assetName, ".tar.gz") || strings.HasSuffix(assetName, ".tgz"):
		files, err = archive.ExtractTarGz(p.FS, wheelhouse, f)
	case strings.HasSuffix(assetName, ".zip"):
		b, rerr := io.ReadAll(f)
		if rerr != nil {
			return nil, errors.Wrap(rerr, "reading archive")
		}
		files, err = archive.ExtractZip(p.FS, wheelhouse, bytes.NewReader(b), int64(len(b)))
	default:
		return nil, errors.Errorf("unsupported archive format: %s", assetName)
	}
	if err != nil {
		return nil, errors.Wrap(err, "extracting archive")
	}
	return archive.Wheels(files), nil
}

func (p *Pipeline) emit(ctx context.Context, name string, payload map[string]any) {
	if err := p.Sink.Emit(ctx, name, telemetry.SeverityInfo, payload); err != nil && p.Logger != nil {
		p.Logger.Warn("telemetry emission failed", zap.String("event", name), zap.Error(err))
	}
}
