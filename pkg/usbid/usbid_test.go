package usbid

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/efficientgo/core/testutil"
)

const sample = `# usb.ids excerpt
#
05ac  Apple, Inc.
	12a8  iPhone 5/5C/5S/6/SE/7/8/X/XR
	12ab  iPad 4/Mini1
		00  Configuration 1
0bda  Realtek Semiconductor Corp.
	8153  RTL8153 Gigabit Ethernet Adapter
zzzz  Not a vendor
	0001  orphan
C 02  Communications
	0d  Network Control Model
`

func TestParse(t *testing.T) {
	n, err := Parse(strings.NewReader(sample))
	testutil.Ok(t, err)

	for _, tc := range []struct {
		name     string
		vid, pid uint16
		vendor   string
		product  string
	}{
		{name: "apple phone", vid: 0x05AC, pid: 0x12A8, vendor: "Apple, Inc.", product: "iPhone 5/5C/5S/6/SE/7/8/X/XR"},
		{name: "apple tablet", vid: 0x05AC, pid: 0x12AB, vendor: "Apple, Inc.", product: "iPad 4/Mini1"},
		{name: "realtek", vid: 0x0BDA, pid: 0x8153, vendor: "Realtek Semiconductor Corp.", product: "RTL8153 Gigabit Ethernet Adapter"},
		{name: "unknown product", vid: 0x05AC, pid: 0xFFFF, vendor: "Apple, Inc."},
		{name: "unknown vendor", vid: 0x1234, pid: 0x0001},
		{name: "class section ignored", vid: 0x0BDA, pid: 0x000D, vendor: "Realtek Semiconductor Corp."},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testutil.Equals(t, tc.vendor, n.Vendor(tc.vid))
			testutil.Equals(t, tc.product, n.Product(tc.vid, tc.pid))
		})
	}
}

func TestDescribe(t *testing.T) {
	n, err := Parse(strings.NewReader(sample))
	testutil.Ok(t, err)

	testutil.Equals(t, "05ac:12a8 Apple, Inc. iPhone 5/5C/5S/6/SE/7/8/X/XR", n.Describe(0x05AC, 0x12A8))
	testutil.Equals(t, "05ac:0001 Apple, Inc.", n.Describe(0x05AC, 0x0001))
	testutil.Equals(t, "1234:5678", n.Describe(0x1234, 0x5678))
}

func TestNew_Paths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usb.ids")
	testutil.Ok(t, os.WriteFile(path, []byte(sample), 0o600))

	n := New(filepath.Join(dir, "missing.ids"), path)
	testutil.Ok(t, n.Err())
	testutil.Equals(t, "Apple, Inc.", n.Vendor(0x05AC))
}

func TestNew_Missing(t *testing.T) {
	n := New(filepath.Join(t.TempDir(), "missing.ids"))
	testutil.NotOk(t, n.Err())
	testutil.Equals(t, "05ac:12a8", n.Describe(0x05AC, 0x12A8))
}
