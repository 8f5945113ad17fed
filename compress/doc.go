// Package compress implements the payload compression methods a queue can be
// configured with.
//
// Each stored message records the method it was compressed with, so readers
// decompress correctly even after a writer switches methods. The method byte
// is part of the on-disk slot record and of the wire protocol; values must
// never be renumbered.
package compress
