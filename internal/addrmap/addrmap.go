// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package addrmap is the debugger's address mapper: it turns a parsed
// DWARF/ELF bundle into the four queries the rest of deet needs
// (addr->line, addr->function, line->addr, function->addr). It never
// touches a live process; it is pure lookup over data loaded once at
// startup.
package addrmap

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"path"
	"sort"
)

// Line is one entry of a compilation unit's line number program.
type Line struct {
	File string
	Num  int
	Addr uint64
}

func (l Line) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Num)
}

// Function is one DWARF subprogram.
type Function struct {
	Name  string
	File  string
	Entry uint64
	High  uint64 // exclusive end of the function's instruction range
	Line  int    // source line of the function's definition, if known
}

func (f Function) String() string {
	return f.Name
}

// Bundle holds everything the address mapper needs, extracted once at
// load time from the target's DWARF/ELF data. Compilation units are
// tracked in the order the DWARF reader produced them; the default
// compilation unit used when a query doesn't name a file is cus[0].
type Bundle struct {
	lines []Line     // sorted by Addr, ascending
	funcs []Function // sorted by Entry, ascending
	cus   []string   // compilation unit primary source file names, in order
}

// Load opens path as an ELF object and extracts its DWARF debug
// information into a Bundle. It is the sole place in deet that treats
// DWARF parsing as anything other than a black box.
func Load(path string) (*Bundle, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("addrmap: opening %s: %w", path, err)
	}
	defer f.Close()

	d, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("addrmap: reading DWARF from %s: %w", path, err)
	}

	b := &Bundle{}
	if err := b.loadFunctionsAndLines(d); err != nil {
		return nil, err
	}
	sort.Slice(b.lines, func(i, j int) bool { return b.lines[i].Addr < b.lines[j].Addr })
	sort.Slice(b.funcs, func(i, j int) bool { return b.funcs[i].Entry < b.funcs[j].Entry })
	return b, nil
}

func (b *Bundle) loadFunctionsAndLines(d *dwarf.Data) error {
	r := d.Reader()
	var curCU string
	for {
		entry, err := r.Next()
		if err != nil {
			return fmt.Errorf("addrmap: walking DWARF entries: %w", err)
		}
		if entry == nil {
			break
		}
		switch entry.Tag {
		case dwarf.TagCompileUnit:
			name, _ := entry.Val(dwarf.AttrName).(string)
			// The line reader reports file names joined with the
			// compilation directory; do the same so the two compare equal.
			if dir, ok := entry.Val(dwarf.AttrCompDir).(string); ok && name != "" && !path.IsAbs(name) {
				name = path.Join(dir, name)
			}
			curCU = name
			b.cus = append(b.cus, name)

			lr, err := d.LineReader(entry)
			if err != nil {
				return fmt.Errorf("addrmap: reading line program: %w", err)
			}
			if lr != nil {
				var le dwarf.LineEntry
				for {
					if err := lr.Next(&le); err != nil {
						break // io.EOF: end of this unit's line program
					}
					if le.IsStmt {
						b.lines = append(b.lines, Line{File: le.File.Name, Num: le.Line, Addr: le.Address})
					}
				}
			}
		case dwarf.TagSubprogram:
			name, ok := entry.Val(dwarf.AttrName).(string)
			if !ok {
				continue
			}
			low, lok := entry.Val(dwarf.AttrLowpc).(uint64)
			if !lok {
				continue
			}
			high, hfunc := highpc(entry, low)
			if !hfunc {
				continue
			}
			line, _ := entry.Val(dwarf.AttrDeclLine).(int64)
			b.funcs = append(b.funcs, Function{Name: name, File: curCU, Entry: low, High: high, Line: int(line)})
		}
	}
	return nil
}

// highpc interprets DW_AT_high_pc, which producers encode either as an
// absolute address (older convention) or as a length relative to low
// (DWARF4+). The class recorded on the entry's field tells them apart.
func highpc(entry *dwarf.Entry, low uint64) (uint64, bool) {
	for _, f := range entry.Field {
		if f.Attr != dwarf.AttrHighpc {
			continue
		}
		switch f.Class {
		case dwarf.ClassAddress:
			return f.Val.(uint64), true
		default:
			switch v := f.Val.(type) {
			case int64:
				return low + uint64(v), true
			case uint64:
				return low + v, true
			}
		}
	}
	return 0, false
}

// AddrToLine returns the line whose address range contains addr, if any.
func (b *Bundle) AddrToLine(addr uint64) (Line, bool) {
	// b.lines is sorted by Addr; the line containing addr is the last
	// line entry with Addr <= addr. No upper bound is checked: an address
	// past the last recorded line still maps to that line.
	idx := sort.Search(len(b.lines), func(i int) bool { return b.lines[i].Addr > addr })
	if idx == 0 {
		return Line{}, false
	}
	return b.lines[idx-1], true
}

// AddrToFunction returns the innermost (here: only) function whose text
// range contains addr.
func (b *Bundle) AddrToFunction(addr uint64) (string, bool) {
	idx := sort.Search(len(b.funcs), func(i int) bool { return b.funcs[i].Entry > addr })
	if idx == 0 {
		return "", false
	}
	fn := b.funcs[idx-1]
	if addr < fn.Entry || addr >= fn.High {
		return "", false
	}
	return fn.Name, true
}

// LineToAddr returns the address of the first recorded line whose
// number is >= line within file (or the first compilation unit, if file
// is empty). This is a next-statement-at-or-after match, not an exact
// one: source lines the user types may not correspond to a statement.
func (b *Bundle) LineToAddr(file string, line int) (uint64, bool) {
	if file == "" {
		if len(b.cus) == 0 {
			return 0, false
		}
		file = b.cus[0]
	}
	// b.lines is in ascending address order, so the first match is also
	// the lowest address, which keeps results monotonic in line.
	for _, l := range b.lines {
		if l.File == file && l.Num >= line {
			return l.Addr, true
		}
	}
	return 0, false
}

// FunctionToAddr returns the entry address of the first function named
// name exactly. If file is empty, every compilation unit is scanned.
func (b *Bundle) FunctionToAddr(file string, name string) (uint64, bool) {
	for _, fn := range b.funcs {
		if fn.Name != name {
			continue
		}
		if file != "" && fn.File != "" && fn.File != file {
			continue
		}
		return fn.Entry, true
	}
	return 0, false
}

// Functions returns every known function, in ascending entry-address
// order. Used by
// the --list-functions startup banner.
func (b *Bundle) Functions() []Function {
	out := make([]Function, len(b.funcs))
	copy(out, b.funcs)
	return out
}
