package deps

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func scanners() map[string]Scanner {
	return map[string]Scanner{
		"regex":      NewRegexScanner(DefaultMax),
		"treesitter": NewTreeSitterScanner(DefaultMax),
	}
}

func TestScan_JavaScript(t *testing.T) {
	src := `import React from 'react';
import { useState,
  useEffect } from "react";
import * as path from 'path';
import './styles.css';
export { helper } from './helper';
const lodash = require('lodash');
// not an import: from 'nowhere'
const msg = "import fake from 'fake'";
`
	want := []string{"react", "path", "./styles.css", "./helper", "lodash"}

	for name, s := range scanners() {
		t.Run(name, func(t *testing.T) {
			got := s.Scan("javascript", []byte(src))
			if !reflect.DeepEqual(got, want) {
				t.Errorf("Scan() = %v, want %v", got, want)
			}
		})
	}
}

func TestScan_TypeScript(t *testing.T) {
	src := `import type { Config } from './config';
import express from 'express';
const x: number = 1;
`
	want := []string{"./config", "express"}

	for name, s := range scanners() {
		t.Run(name, func(t *testing.T) {
			for _, lang := range []string{"typescript", "typescriptreact"} {
				got := s.Scan(lang, []byte(src))
				if !reflect.DeepEqual(got, want) {
					t.Errorf("Scan(%s) = %v, want %v", lang, got, want)
				}
			}
		})
	}
}

func TestScan_Cap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "import mod%d from 'mod%d';\n", i, i)
	}

	for name, s := range scanners() {
		t.Run(name, func(t *testing.T) {
			got := s.Scan("javascript", []byte(b.String()))
			if len(got) != DefaultMax {
				t.Fatalf("Scan() returned %d dependencies, want %d", len(got), DefaultMax)
			}
			for i, dep := range got {
				if want := fmt.Sprintf("mod%d", i); dep != want {
					t.Errorf("dep[%d] = %q, want %q", i, dep, want)
				}
			}
		})
	}
}

func TestScan_Duplicates(t *testing.T) {
	src := "import a from 'x';\nconst b = require('x');\nimport c from 'y';\n"
	for name, s := range scanners() {
		t.Run(name, func(t *testing.T) {
			got := s.Scan("javascript", []byte(src))
			if !reflect.DeepEqual(got, []string{"x", "y"}) {
				t.Errorf("Scan() = %v, want [x y]", got)
			}
		})
	}
}

func TestRegexScanner_Languages(t *testing.T) {
	tests := []struct {
		lang string
		src  string
		want []string
	}{
		{"python", "import os\nfrom collections import OrderedDict\n# import commented\nx = 'import nope'\n", []string{"os", "collections"}},
		{"java", "package a;\nimport java.util.List;\nimport static org.junit.Assert.*;\n", []string{"java.util.List", "org.junit.Assert.*"}},
		{"go", "package main\n\nimport \"fmt\"\n\nimport (\n\t\"os\"\n\tjson \"github.com/goccy/go-json\"\n\t_ \"embed\"\n)\n", []string{"fmt", "os", "github.com/goccy/go-json", "embed"}},
		{"rust", "use std::io;\nuse serde::Deserialize;\nuse crate::model;\nextern crate libc;\n", []string{"serde", "libc"}},
		{"ruby", "require 'json'\nrequire_relative 'lib/thing'\n", []string{"json", "lib/thing"}},
		{"php", "<?php\nuse App\\Models\\User;\nrequire_once 'vendor/autoload.php';\n", []string{"App\\Models\\User", "vendor/autoload.php"}},
		{"c", "#include <stdio.h>\n#include \"local.h\"\n", []string{"stdio.h", "local.h"}},
		{"cpp", "#include <vector>\n", []string{"vector"}},
		{"csharp", "using System;\nusing System.Linq;\n", []string{"System", "System.Linq"}},
	}

	s := NewRegexScanner(DefaultMax)
	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			got := s.Scan(tt.lang, []byte(tt.src))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Scan(%s) = %v, want %v", tt.lang, got, tt.want)
			}
		})
	}
}

func TestScan_UnknownLanguage(t *testing.T) {
	for name, s := range scanners() {
		t.Run(name, func(t *testing.T) {
			if got := s.Scan("markdown", []byte("import x from 'y'")); len(got) != 0 {
				t.Errorf("Scan(markdown) = %v, want empty", got)
			}
		})
	}
}

func TestTreeSitterScanner_FallsBack(t *testing.T) {
	s := NewTreeSitterScanner(DefaultMax)
	if s.Supports("python") {
		t.Error("python should not be parsed")
	}
	if !s.Supports("typescript") {
		t.Error("typescript should be parsed")
	}

	got := s.Scan("python", []byte("import os\n"))
	if !reflect.DeepEqual(got, []string{"os"}) {
		t.Errorf("Scan(python) = %v, want [os]", got)
	}
}

func TestTreeSitterScanner_RequireOnly(t *testing.T) {
	s := NewTreeSitterScanner(DefaultMax)
	got := s.Scan("javascript", []byte("load('not-a-dep');\nrequire('dep');\n"))
	if !reflect.DeepEqual(got, []string{"dep"}) {
		t.Errorf("Scan() = %v, want [dep]", got)
	}
}

func TestScan_DynamicImport(t *testing.T) {
	src := `const lazy = await import('lazy');
import y from 'y';
`
	want := []string{"lazy", "y"}
	for name, s := range scanners() {
		t.Run(name, func(t *testing.T) {
			for _, lang := range []string{"javascript", "typescript", "tsx"} {
				got := s.Scan(lang, []byte(src))
				if !reflect.DeepEqual(got, want) {
					t.Errorf("Scan(%s) = %v, want %v", lang, got, want)
				}
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"javascriptreact": "javascript",
		"typescriptreact": "typescript",
		"py":              "python",
		"go":              "go",
		"c++":             "cpp",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
