// Package media normalizes payloads before they are posted: photos are
// re-encoded to fit bot API limits and optionally watermarked, captions
// are clipped to what a message can carry. Processing is a pure function
// of the input bytes and the Config, so reprocessing an item always yields
// the same bytes and therefore the same fingerprint.
package media
