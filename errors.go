package doppler

import "github.com/dopplerai/doppler/internal/errs"

// Kind tags the category of an [Error]. Callers should branch on Kind via
// [KindOf] rather than string-matching messages.
type Kind = errs.Kind

// Error is the single error type surfaced across the engine's public API.
// Every variant carries a human-readable message and an optional wrapped
// cause; none carries executable state, so an Error is always safe to log
// or serialize in full.
type Error = errs.Error

// Error kind constants, exactly the variants enumerated in the engine's
// error handling design: a missing resource, a malformed manifest, a
// corrupt shard, an unimplemented dtype or architecture, a kernel shape
// mismatch, a full KV cache or over-budget allocation, a lost device, a
// storage quota violation, a concurrent generate call, a user cancellation,
// and a diagnostics entry point invoked without the required intent.
const (
	KindNotFound                = errs.NotFound
	KindInvalidManifest         = errs.InvalidManifest
	KindCorrupt                 = errs.Corrupt
	KindUnsupportedDtype        = errs.UnsupportedDtype
	KindUnsupportedArchitecture = errs.UnsupportedArchitecture
	KindShapeMismatch           = errs.ShapeMismatch
	KindCapacityExceeded        = errs.CapacityExceeded
	KindDeviceLost              = errs.DeviceLost
	KindQuotaExceeded           = errs.QuotaExceeded
	KindAlreadyGenerating       = errs.AlreadyGenerating
	KindAborted                 = errs.Aborted
	KindIntentRequired          = errs.IntentRequired
)

// KindOf returns the Kind of err if it is (or wraps) an *Error, and false
// otherwise. Use this to branch on error category:
//
//	if k, ok := doppler.KindOf(err); ok && k == doppler.KindAborted { ... }
func KindOf(err error) (Kind, bool) {
	return errs.KindOf(err)
}
