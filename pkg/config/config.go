package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/volery/volery/pkg/xmlx"
)

// MaxIncludeNesting caps <include/> recursion in configuration files.
const MaxIncludeNesting = 20

// Load parses the configuration file, merges the extra files given on the
// command line, expands nested includes and applies command-line
// substitutions. The returned element is the configuration root.
func Load(file string, extras []string, defines map[string]string) (*xmlx.Element, error) {
	root, err := xmlx.ParseFile(file)
	if err != nil {
		return nil, err
	}

	for _, extra := range extras {
		if extra == "" {
			continue
		}
		incl, err := xmlx.ParseFile(extra)
		if err != nil {
			return nil, err
		}
		root.AddChild(incl)
	}

	if err := expandIncludes(root, 0); err != nil {
		return nil, err
	}
	replaceCmdline(root, defines)
	return root, nil
}

// expandIncludes replaces <include>path</include> elements with the content
// of the referenced file. When the included root element carries the same
// name as the element containing the include, its children are spliced in
// place; otherwise the whole tree is inserted.
func expandIncludes(x *xmlx.Element, nesting int) error {
	if nesting > MaxIncludeNesting {
		return fmt.Errorf("configuration includes nested more than %d levels deep", MaxIncludeNesting)
	}

	for idx := 0; idx < len(x.Children); idx++ {
		cur := x.Children[idx]
		if localName(cur.Name) != "include" {
			if err := expandIncludes(cur, nesting); err != nil {
				return err
			}
			continue
		}

		path := strings.TrimSpace(cur.Text)
		incl, err := xmlx.ParseFile(path)
		if err != nil {
			return err
		}
		if err := expandIncludes(incl, nesting+1); err != nil {
			return err
		}

		if localName(incl.Name) == localName(x.Name) {
			// splice the included file's children in place of the
			// include element
			repl := append([]*xmlx.Element{}, x.Children[:idx]...)
			repl = append(repl, incl.Children...)
			repl = append(repl, x.Children[idx+1:]...)
			x.Children = repl
			idx += len(incl.Children) - 1
		} else {
			x.Children[idx] = incl
		}
	}
	return nil
}

// replaceCmdline substitutes <cmdline flag="x">fallback</cmdline> elements
// with the value passed on the command line under that flag, falling back
// to the inline text.
func replaceCmdline(x *xmlx.Element, defines map[string]string) {
	for idx := 0; idx < len(x.Children); idx++ {
		cur := x.Children[idx]
		if localName(cur.Name) != "cmdline" {
			replaceCmdline(cur, defines)
			continue
		}
		value := cur.Text
		if v, ok := defines[cur.Attr("flag")]; ok {
			value = v
		}
		x.Children = append(x.Children[:idx], x.Children[idx+1:]...)
		x.Text += value
		idx--
	}
}

func localName(name string) string {
	if i := strings.LastIndex(name, ":"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// Pidfile returns the configured pidfile path, or "".
func Pidfile(root *xmlx.Element) string {
	return strings.TrimSpace(root.ChildText("pidfile"))
}

// DebugMask returns the configured debug bitmask (0 if absent).
func DebugMask(root *xmlx.Element) int {
	d := root.Child("debug")
	if d == nil {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimSpace(d.ChildText("mask")))
	return n
}

// DebugFacility returns the configured syslog facility name, or "".
func DebugFacility(root *xmlx.Element) string {
	d := root.Child("debug")
	if d == nil {
		return ""
	}
	return strings.TrimSpace(d.ChildText("facility"))
}

// NullSources returns the configured from-addresses whose traffic the
// router drops.
func NullSources(root *xmlx.Element) []string {
	var out []string
	for _, e := range root.FindAll("global/router/null-source") {
		if s := strings.TrimSpace(e.Text); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// DumpPaths returns the configured router dump filter expressions.
func DumpPaths(root *xmlx.Element) []string {
	var out []string
	for _, e := range root.FindAll("global/router/dump") {
		if s := strings.TrimSpace(e.Text); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// MetricsAddr returns the listen address of the metrics endpoint, or "".
func MetricsAddr(root *xmlx.Element) string {
	return strings.TrimSpace(root.FindText("global/metrics"))
}
