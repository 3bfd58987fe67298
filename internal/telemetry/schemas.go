// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

// Event names emitted by the core operations. Dotted namespaces group the
// cleanup sweep, the release pipeline, and the guard-rails orchestrator.
const (
	EventCleanupRunStart    = "cleanup.run.start"
	EventCleanupRunComplete = "cleanup.run.complete"
	EventCleanupPreview     = "cleanup.path.preview"
	EventCleanupRemoved     = "cleanup.path.removed"
	EventCleanupSkipped     = "cleanup.path.skipped"
	EventCleanupError       = "cleanup.path.error"

	EventReleaseNetworkRetry     = "release.network.retry"
	EventReleaseHTTPRetry        = "release.http.retry"
	EventReleaseDownloadStart    = "release.download.start"
	EventReleaseDownloadComplete = "release.download.complete"
	EventReleaseAssetSanitised   = "release.asset.sanitised"
	EventReleaseManifestLocate   = "release.manifest.locate"
	EventReleaseManifestDownload = "release.manifest.download"
	EventReleaseManifestVerified = "release.manifest.verified"
	EventReleaseManifestSkipped  = "release.manifest.skipped"
	EventReleaseSigstoreLocate   = "release.sigstore.locate"
	EventReleaseSigstoreDownload = "release.sigstore.download"
	EventReleaseSigstoreMissing  = "release.sigstore.missing"
	EventReleaseSigstoreVerified = "release.sigstore.verified"
	EventReleaseInstallStart     = "release.install.start"
	EventReleaseInstallInvoke    = "release.install.invoke"
	EventReleaseInstallComplete  = "release.install.complete"

	EventGuardRailsStart    = "cli.guard-rails.start"
	EventGuardRailsComplete = "cli.guard-rails.complete"
	EventGuardRailsFailed   = "cli.guard-rails.failed"
	EventGuardRailsDrift    = "cli.guard-rails.drift"
)

// Histogram names. Durations are recorded in seconds.
const (
	HistCleanupPreview  = "hephaestus.cleanup.preview.duration"
	HistCleanupExecute  = "hephaestus.cleanup.execute.duration"
	HistReleaseDownload = "hephaestus.release.download.duration"
	HistGuardRailsStep  = "hephaestus.guard-rails.step.duration"
	HistGuardRailsTotal = "hephaestus.guard-rails.total.duration"
)

// RegisterDefaults installs the schemas for every event the core emits.
func RegisterDefaults(s *Sink) {
	s.Register(
		Schema{Name: EventCleanupRunStart, Required: []string{"root", "dry_run"}, Optional: []string{"extra_paths"}},
		Schema{Name: EventCleanupRunComplete, Required: []string{"removed", "skipped", "errors"}, Optional: []string{"manifest"}},
		Schema{Name: EventCleanupPreview, Required: []string{"path"}, Optional: []string{"reason"}},
		Schema{Name: EventCleanupRemoved, Required: []string{"path"}},
		Schema{Name: EventCleanupSkipped, Required: []string{"path", "reason"}},
		Schema{Name: EventCleanupError, Required: []string{"path", "error"}},

		Schema{Name: EventReleaseNetworkRetry, Required: []string{"attempt", "max_retries", "backoff_s"}, Optional: []string{"error"}},
		Schema{Name: EventReleaseHTTPRetry, Required: []string{"attempt", "max_retries", "backoff_s", "status"}},
		Schema{Name: EventReleaseDownloadStart, Required: []string{"asset"}, Optional: []string{"size"}},
		Schema{Name: EventReleaseDownloadComplete, Required: []string{"asset"}, Optional: []string{"size", "state"}},
		Schema{Name: EventReleaseAssetSanitised, Required: []string{"original", "sanitised"}},
		Schema{Name: EventReleaseManifestLocate, Required: []string{"pattern"}, Optional: []string{"asset"}},
		Schema{Name: EventReleaseManifestDownload, Required: []string{"asset"}},
		Schema{Name: EventReleaseManifestVerified, Required: []string{"asset", "sha256"}},
		Schema{Name: EventReleaseManifestSkipped, Required: []string{"pattern"}},
		Schema{Name: EventReleaseSigstoreLocate, Required: []string{"pattern"}, Optional: []string{"asset"}},
		Schema{Name: EventReleaseSigstoreDownload, Required: []string{"asset"}},
		Schema{Name: EventReleaseSigstoreMissing, Required: []string{"pattern"}},
		Schema{Name: EventReleaseSigstoreVerified, Required: []string{"asset", "subject", "issuer"}, Optional: []string{"identities"}},
		Schema{Name: EventReleaseInstallStart, Required: []string{"wheelhouse"}, Optional: []string{"wheels"}},
		Schema{Name: EventReleaseInstallInvoke, Required: []string{"command"}},
		Schema{Name: EventReleaseInstallComplete, Required: []string{"wheels"}},

		Schema{Name: EventGuardRailsStart, Required: []string{"use_plugins", "skip_format"}, Optional: []string{"drift_check"}},
		Schema{Name: EventGuardRailsComplete, Required: []string{"gates", "duration_s"}},
		Schema{Name: EventGuardRailsFailed, Required: []string{"gate", "exit_code"}, Optional: []string{"duration_s"}},
		Schema{Name: EventGuardRailsDrift, Required: []string{"tools"}},
	)
}
