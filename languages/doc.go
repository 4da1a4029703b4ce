// Package languages holds the language runtime registry.
//
// Every supported language is described by a Runtime recipe: the base image,
// the entry file naming convention, ordered setup/compile/run commands, any
// dependency manifests, and the package-manager install table. The scheduler
// and lifecycle manager never branch on a language name; adding a language is
// a Register call or an entry in a recipes file.
//
// Usage:
//
//	reg := languages.NewRegistry(languages.Defaults()...)
//	if err := reg.LoadFile("recipes.yaml"); err != nil {
//	    return err
//	}
//	rt, ok := reg.Lookup("py")
package languages
