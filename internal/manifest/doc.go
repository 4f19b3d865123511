// Package manifest loads the application manifest: W3C web-app identity
// fields plus the out-of-band list of required assets that make up the app
// shell. A loaded AssetManifest is immutable and carries a content hash that
// identifies one deployment version; identical content always produces the
// identical hash, which is what lets cache generations be created
// idempotently.
package manifest
