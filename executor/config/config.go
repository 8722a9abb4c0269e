package config

import (
	"regexp"
	"strings"
	"time"

	"github.com/to404hanga/online_judge_pipeline/model"
)

const (
	// 命令模板占位符
	DirPlaceholder   = "{{dir}}"
	EntryPlaceholder = "{{entry}}"

	DefaultEntryPoint = "Main"
)

// LanguageConfig defines the toolchain and commands for a specific language.
type LanguageConfig struct {
	ImageName      string
	SourceFileName string
	BuildCommand   []string // nil 表示解释型语言
	RunCommand     []string
	DefaultTimeout time.Duration
	MemoryFloorMB  int  // 运行时自身的启动开销, 防止误判 MLE
	NeedsEntry     bool // 需要从源码中提取入口类名
	NoASLimit      bool // 虚拟内存预留大, 不能用 RLIMIT_AS 限制
}

var LanguageConfigs = map[model.Language]LanguageConfig{
	model.LanguageC: {
		ImageName:      "gcc:13",
		SourceFileName: "main.c",
		BuildCommand:   []string{"gcc", "-O2", "-std=c17", "-o", "{{dir}}/main", "{{dir}}/main.c", "-lm"},
		RunCommand:     []string{"{{dir}}/main"},
		DefaultTimeout: 2 * time.Second,
		MemoryFloorMB:  64,
	},
	model.LanguageCPP: {
		ImageName:      "gcc:13",
		SourceFileName: "main.cpp",
		BuildCommand:   []string{"g++", "-O2", "-std=c++17", "-o", "{{dir}}/main", "{{dir}}/main.cpp"},
		RunCommand:     []string{"{{dir}}/main"},
		DefaultTimeout: 2 * time.Second,
		MemoryFloorMB:  64,
	},
	model.LanguageJava: {
		ImageName:      "eclipse-temurin:17-jdk",
		SourceFileName: "{{entry}}.java",
		BuildCommand:   []string{"javac", "-encoding", "UTF-8", "-d", "{{dir}}", "{{dir}}/{{entry}}.java"},
		RunCommand:     []string{"java", "-XX:-UsePerfData", "-Xss64m", "-cp", "{{dir}}", "{{entry}}"},
		DefaultTimeout: 4 * time.Second,
		MemoryFloorMB:  512,
		NeedsEntry:     true,
		NoASLimit:      true,
	},
	model.LanguageJavaScript: {
		ImageName:      "node:20-alpine",
		SourceFileName: "main.js",
		RunCommand:     []string{"node", "{{dir}}/main.js"},
		DefaultTimeout: 3 * time.Second,
		MemoryFloorMB:  256,
		NoASLimit:      true,
	},
	model.LanguagePython: {
		ImageName:      "python:3.11-alpine",
		SourceFileName: "main.py",
		RunCommand:     []string{"python3", "-B", "{{dir}}/main.py"},
		DefaultTimeout: 5 * time.Second,
		MemoryFloorMB:  128,
	},
}

// Lookup returns the descriptor for lang.
func Lookup(lang model.Language) (LanguageConfig, bool) {
	cfg, ok := LanguageConfigs[lang]
	return cfg, ok
}

// Supported reports whether lang can be judged.
func Supported(lang model.Language) bool {
	_, ok := LanguageConfigs[lang]
	return ok
}

// Runtime is a LanguageConfig resolved against one submission.
type Runtime struct {
	Language     model.Language
	ImageName    string
	EntryPoint   string
	SourceFile   string
	BuildCommand []string
	RunCommand   []string
	NoASLimit    bool
}

func (r Runtime) NeedsCompile() bool {
	return len(r.BuildCommand) > 0
}

// Resolve substitutes the entry point and the workspace directory into the command templates.
func (c LanguageConfig) Resolve(lang model.Language, code, dir string) Runtime {
	entry := DefaultEntryPoint
	if c.NeedsEntry {
		entry = EntryPoint(code)
	}
	r := strings.NewReplacer(DirPlaceholder, dir, EntryPlaceholder, entry)
	expand := func(args []string) []string {
		if len(args) == 0 {
			return nil
		}
		out := make([]string, len(args))
		for i, a := range args {
			out[i] = r.Replace(a)
		}
		return out
	}
	return Runtime{
		Language:     lang,
		ImageName:    c.ImageName,
		EntryPoint:   entry,
		SourceFile:   r.Replace(c.SourceFileName),
		BuildCommand: expand(c.BuildCommand),
		RunCommand:   expand(c.RunCommand),
		NoASLimit:    c.NoASLimit,
	}
}

var publicClassPattern = regexp.MustCompile(`public\s+(?:final\s+|abstract\s+)*class\s+([A-Za-z_$][A-Za-z0-9_$]*)`)

// EntryPoint extracts the public class name from Java source, falling back to Main.
func EntryPoint(code string) string {
	m := publicClassPattern.FindStringSubmatch(code)
	if len(m) < 2 {
		return DefaultEntryPoint
	}
	return m[1]
}
