package domain

import "errors"

// Build errors are returned by the recipe package.
var (
	// ErrInvalidManifest is returned when a dependency manifest cannot be parsed.
	ErrInvalidManifest = errors.New("imgship: invalid manifest")

	// ErrDependencyResolution is returned when the installer fails to resolve
	// or install the manifest. It is fatal and never retried.
	ErrDependencyResolution = errors.New("imgship: dependency resolution failed")

	// ErrInvalidRecipe is returned when a build recipe is incomplete or
	// references a missing input.
	ErrInvalidRecipe = errors.New("imgship: invalid recipe")
)

// Runtime errors are returned by the launcher and the gallery.
var (
	// ErrUnknownApp is returned when the entrypoint names an application
	// object that is not registered.
	ErrUnknownApp = errors.New("imgship: unknown application")

	// ErrUnsupportedType is returned when an upload is not a supported image type.
	ErrUnsupportedType = errors.New("imgship: unsupported file type")

	// ErrFileTooLarge is returned when an upload exceeds the size limit.
	ErrFileTooLarge = errors.New("imgship: file exceeds maximum size")

	// ErrNotFound is returned when a stored image does not exist.
	ErrNotFound = errors.New("imgship: file not found")

	// ErrInvalidName is returned for image names that would escape the upload directory.
	ErrInvalidName = errors.New("imgship: invalid file name")
)

// Lifecycle errors.
var (
	// ErrAlreadyRunning is returned when Start() is called on a running server.
	ErrAlreadyRunning = errors.New("imgship: already running")

	// ErrNotRunning is returned when Stop() is called on a stopped server.
	ErrNotRunning = errors.New("imgship: not running")

	// ErrShutdownTimeout is returned when graceful shutdown times out.
	ErrShutdownTimeout = errors.New("imgship: shutdown timeout")
)
