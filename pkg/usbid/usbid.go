// Package usbid resolves USB vendor and product IDs to the names listed in
// the usb.ids database shipped with usbutils and hwdata.
package usbid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/efficientgo/core/errors"
)

// DefaultPaths are searched in order when no path is given to New.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Names is a vendor and product name table. The zero value is empty.
type Names struct {
	paths []string
	once  sync.Once
	err   error

	vendors  map[uint16]string
	products map[uint32]string
}

// New returns a table loaded lazily from the first readable file in paths,
// or DefaultPaths when paths is empty.
func New(paths ...string) *Names {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	return &Names{paths: paths}
}

// Parse reads a table in usb.ids format from r.
func Parse(r io.Reader) (*Names, error) {
	n := &Names{}
	n.once.Do(func() { n.err = n.parse(r) })
	return n, n.err
}

func (n *Names) load() {
	n.once.Do(func() {
		for _, p := range n.paths {
			f, err := os.Open(p)
			if err != nil {
				continue
			}
			n.err = n.parse(f)
			f.Close()
			return
		}
		n.err = errors.Newf("no usb.ids found in %s", strings.Join(n.paths, ", "))
	})
}

// Err reports why the table could not be loaded.
func (n *Names) Err() error {
	n.load()
	return n.err
}

func productKey(vid, pid uint16) uint32 { return uint32(vid)<<16 | uint32(pid) }

// parse keeps vendor lines ("vvvv  name") and the tab-indented product
// lines under them. Class, language and other sections that follow the
// vendor list end the current vendor.
func (n *Names) parse(r io.Reader) error {
	n.vendors = make(map[uint16]string)
	n.products = make(map[uint32]string)

	var (
		vid    uint16
		inVend bool
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		product := line[0] == '\t'
		if product {
			if !inVend || strings.HasPrefix(line, "\t\t") {
				continue
			}
			line = line[1:]
		}
		id, name, ok := splitEntry(line)
		switch {
		case !ok && !product:
			inVend = false
		case !ok:
		case product:
			n.products[productKey(vid, id)] = name
		default:
			vid, inVend = id, true
			n.vendors[vid] = name
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "reading usb.ids")
	}
	return nil
}

func splitEntry(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimSpace(line[5:]), true
}

// Vendor returns the vendor name, or "" when unknown.
func (n *Names) Vendor(vid uint16) string {
	n.load()
	return n.vendors[vid]
}

// Product returns the product name, or "" when unknown.
func (n *Names) Product(vid, pid uint16) string {
	n.load()
	return n.products[productKey(vid, pid)]
}

// Describe formats vid:pid followed by whatever names are known, e.g.
// "05ac:12a8 Apple, Inc. iPhone".
func (n *Names) Describe(vid, pid uint16) string {
	s := fmt.Sprintf("%04x:%04x", vid, pid)
	if v := n.Vendor(vid); v != "" {
		s += " " + v
	}
	if p := n.Product(vid, pid); p != "" {
		s += " " + p
	}
	return s
}
