package download

import "errors"

// ErrHashMismatch marks a completed piece whose SHA-1 doesn't match the
// hash recorded in the metainfo. FileDownloadHandler does not return it: it
// logs it, requeues the piece and reconnects.
var ErrHashMismatch = errors.New("download: piece hash mismatch")

// ErrBlockOverrun is returned when a peer sends a Piece message whose
// begin+len exceeds the piece's declared length.
var ErrBlockOverrun = errors.New("download: block overruns piece length")
