// Package imaging wraps the external ImageMagick binary used for pixel
// work. The orchestrator never manipulates pixels itself; it streams the
// source bytes through magick on stdin/stdout so no scratch files are left
// behind when a step is retried or abandoned.
package imaging
