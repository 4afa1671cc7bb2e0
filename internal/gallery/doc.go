// Package gallery stores uploaded images in a flat directory.
//
// Stored names are a random uuid (hex, no dashes) followed by the uploaded
// file's extension, so concurrent uploads never collide. Listing is sorted
// by name and paginated. Names that could escape the directory are rejected
// with domain.ErrInvalidName.
package gallery
