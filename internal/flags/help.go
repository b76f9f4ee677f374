// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package flags

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"
)

const Usage = "Cuttlefish assembler: reads artifact paths on stdin and writes the runtime configuration"

// RegisterHelp adds --help and the gflags help variants.
func RegisterHelp(fs *pflag.FlagSet) {
	fs.BoolP("help", "h", false, "show help")
	_ = fs.MarkHidden("help")
	for _, name := range []string{"helpfull", "helpshort", "helppackage", "helpxml"} {
		fs.Bool(name, false, "show help ("+name+")")
		_ = fs.MarkHidden(name)
	}
	for _, name := range []string{"helpmatch", "helpon"} {
		fs.String(name, "", "show help for flags matching the argument ("+name+")")
		_ = fs.MarkHidden(name)
	}
}

// RequestedHelp returns the first help variant present on the command line.
func RequestedHelp(fs *pflag.FlagSet) (mode, arg string, ok bool) {
	for _, name := range []string{"helpxml", "help", "helpfull", "helpshort", "helppackage", "helpmatch", "helpon"} {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		return name, f.Value.String(), true
	}
	return "", "", false
}

type xmlFlag struct {
	File    string `xml:"file"`
	Name    string `xml:"name"`
	Meaning string `xml:"meaning"`
	Default string `xml:"default"`
	Current string `xml:"current"`
	Type    string `xml:"type"`
}

type xmlFlags struct {
	XMLName xml.Name  `xml:"AllFlags"`
	Program string    `xml:"program"`
	Usage   string    `xml:"usage"`
	Flags   []xmlFlag `xml:"flag"`
}

// WriteHelp renders one of the help variants for fs.
func WriteHelp(w io.Writer, fs *pflag.FlagSet, defs []Def, mode, arg string) error {
	idx := defIndex(defs)
	selected := pflag.NewFlagSet(fs.Name(), pflag.ContinueOnError)
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Hidden || strings.HasPrefix(f.Name, "help") {
			return
		}
		if (mode == "helpmatch" || mode == "helpon") && !strings.Contains(f.Name, arg) {
			return
		}
		selected.AddFlag(f)
	})

	if mode != "helpxml" {
		_, err := fmt.Fprintf(w, "%s\n\nFlags:\n%s", Usage, selected.FlagUsages())
		return err
	}

	doc := xmlFlags{Program: "assemble_cvd", Usage: Usage}
	selected.VisitAll(func(f *pflag.Flag) {
		typ := "string"
		if d, ok := idx[f.Name]; ok {
			typ = d.Kind.String()
		}
		doc.Flags = append(doc.Flags, xmlFlag{
			File:    "assemble_cvd",
			Name:    f.Name,
			Meaning: f.Usage,
			Default: f.DefValue,
			Current: f.Value.String(),
			Type:    typ,
		})
	})
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
