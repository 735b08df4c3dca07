package resolver

import "github.com/evanw/esbuild/pkg/api"

// Loaders maps file extensions to esbuild loaders. ".module.css" resolves
// to LoaderLocalCSS for CSS Modules scoping; everything else not recognized
// falls back to the file loader (treated as a static asset).
var Loaders = map[string]api.Loader{
	".js":         api.LoaderJS,
	".mjs":        api.LoaderJS,
	".cjs":        api.LoaderJS,
	".jsx":        api.LoaderJSX,
	".ts":         api.LoaderTS,
	".mts":        api.LoaderTS,
	".tsx":        api.LoaderTSX,
	".json":       api.LoaderJSON,
	".css":        api.LoaderCSS,
	".module.css": api.LoaderLocalCSS,
	".txt":        api.LoaderText,
	".svg":        api.LoaderFile,
	".png":        api.LoaderFile,
	".jpg":        api.LoaderFile,
	".jpeg":       api.LoaderFile,
	".gif":        api.LoaderFile,
	".webp":       api.LoaderFile,
	".woff":       api.LoaderFile,
	".woff2":      api.LoaderFile,
	".ttf":        api.LoaderFile,
	".eot":        api.LoaderFile,
	".mp4":        api.LoaderFile,
	".webm":       api.LoaderFile,
}

// AssetExts is the subset of Loaders mapped to the file loader — the set
// of extensions the server treats as opaque static assets rather than
// transformable source.
var AssetExts = func() map[string]bool {
	m := make(map[string]bool)
	for ext, loader := range Loaders {
		if loader == api.LoaderFile {
			m[ext] = true
		}
	}
	return m
}()

// LoaderForExt returns the loader for an extension, defaulting to JS for
// anything unrecognized.
func LoaderForExt(ext string) api.Loader {
	if l, ok := Loaders[ext]; ok {
		return l
	}
	return api.LoaderJS
}
