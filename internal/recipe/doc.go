// Package recipe builds a runtime image in two stages.
//
// The dependency stage resolves a manifest into a self-contained directory
// that is meant to be relocated by copying it. Its output is cached by a key
// derived from the manifest and the install command, never from the
// application source, so source-only changes reuse the cached directory.
//
// The runtime stage copies that directory verbatim into a layer at the same
// path it was installed for, copies the application source into the working
// directory, extends PATH, declares the port and sets the single startup
// command. Nothing else from the dependency stage reaches the image.
//
// The install command runs in a container of the dependency base image, with
// the staging directory mounted at the prefix. ExecInstaller runs it on the
// host instead, for toolchains such as Go that cross-compile from there.
//
//	r := recipe.DefaultRecipe()
//	inst, err := recipe.NewDockerInstaller()
//	if err != nil {
//	    return err
//	}
//	defer inst.Close()
//	b := recipe.NewBuilder(recipe.NewCache(cacheDir), inst, logger)
//	res, err := b.Build(ctx, r, ".")
//	if err != nil {
//	    return err
//	}
//	return recipe.WriteTarball("image.tar", "app:latest", res.Image)
package recipe
