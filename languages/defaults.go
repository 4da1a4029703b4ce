package languages

// Language names of the built-in recipes.
const (
	Python     = "python"
	JavaScript = "javascript"
	Java       = "java"
	Go         = "go"
	CPP        = "cpp"
	C          = "c"
	Rust       = "rust"
)

// Defaults returns the built-in recipes. Each call returns fresh values.
func Defaults() []Runtime {
	return []Runtime{
		{
			Name:          Python,
			Aliases:       []string{"py", "python3"},
			Image:         "python:3.11-slim",
			FileExtension: ".py",
			RunCommand:    []string{"python3", "-u", "main.py"},
			Env: map[string]string{
				"HOME":                    "/tmp",
				"PYTHONDONTWRITEBYTECODE": "1",
				"PYTHONUNBUFFERED":        "1",
				"PIP_NO_CACHE_DIR":        "1",
			},
			DependencyInstall: map[string][]string{
				"pip": {"pip", "install", "--user", "--disable-pip-version-check"},
			},
			DefaultManager:  "pip",
			ExcludePatterns: []string{"__pycache__/", "*.pyc", ".venv/"},
		},
		{
			Name:          JavaScript,
			Aliases:       []string{"js", "node", "nodejs"},
			Image:         "node:20-slim",
			FileExtension: ".js",
			RunCommand:    []string{"node", "index.js"},
			SourceFile:    "index.js",
			Env: map[string]string{
				"HOME":             "/tmp",
				"NODE_ENV":         "production",
				"NPM_CONFIG_CACHE": "/tmp/.npm",
			},
			Manifests: []Manifest{
				{Name: "package.json", Content: `{"name":"sandbox","version":"1.0.0","private":true}` + "\n"},
			},
			DependencyInstall: map[string][]string{
				"npm": {"npm", "install", "--no-audit", "--no-fund"},
			},
			DefaultManager:  "npm",
			ExcludePatterns: []string{"node_modules/"},
		},
		{
			Name:           Java,
			Image:          "eclipse-temurin:21-jdk",
			FileExtension:  ".java",
			SourceFile:     "Main.java",
			CompileCommand: []string{"javac", "-d", ".", "Main.java"},
			RunCommand:     []string{"java", "-XX:+UseSerialGC", "-cp", ".", "Main"},
			Env:            map[string]string{"HOME": "/tmp"},
			ExcludePatterns: []string{
				"*.class",
			},
		},
		{
			Name:           Go,
			Aliases:        []string{"golang"},
			Image:          "golang:1.22-alpine",
			FileExtension:  ".go",
			CompileCommand: []string{"go", "build", "-o", "main", "."},
			RunCommand:     []string{"./main"},
			Env: map[string]string{
				"HOME":        "/tmp",
				"GOCACHE":     "/tmp/go-cache",
				"GOPATH":      "/tmp/go",
				"CGO_ENABLED": "0",
			},
			Manifests: []Manifest{
				{Name: "go.mod", Content: "module sandbox\n\ngo 1.22\n"},
			},
			DependencyInstall: map[string][]string{
				"go": {"go", "get"},
			},
			DefaultManager: "go",
		},
		{
			Name:           CPP,
			Aliases:        []string{"c++"},
			Image:          "gcc:13",
			FileExtension:  ".cpp",
			CompileCommand: []string{"g++", "-std=c++17", "-O2", "-o", "main", "main.cpp"},
			RunCommand:     []string{"./main"},
			ExcludePatterns: []string{
				"*.o",
			},
		},
		{
			Name:           C,
			Image:          "gcc:13",
			FileExtension:  ".c",
			CompileCommand: []string{"gcc", "-std=c17", "-O2", "-o", "main", "main.c", "-lm"},
			RunCommand:     []string{"./main"},
			ExcludePatterns: []string{
				"*.o",
			},
		},
		{
			Name:           Rust,
			Aliases:        []string{"rs"},
			Image:          "rust:1.79-slim",
			FileExtension:  ".rs",
			CompileCommand: []string{"rustc", "-O", "-o", "main", "main.rs"},
			RunCommand:     []string{"./main"},
			Env:            map[string]string{"HOME": "/tmp"},
			ExcludePatterns: []string{
				"target/",
			},
		},
	}
}
