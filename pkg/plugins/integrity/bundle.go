package integrity

import (
	"fmt"
	"strings"
)

// BundleSignatureFile holds the detached signature of an unpacked plugin
// tree (directory and git sources). It sits next to plugin.yaml.
const BundleSignatureFile = "plugin.sig"

const bundleHeader = "plughost-bundle/v1"

// BundleDigest returns the payload a bundle signature covers. It binds the
// manifest, and with it the declared capabilities, to the module. module is
// nil for remote plugins.
func BundleDigest(manifest, module []byte) []byte {
	var b strings.Builder
	b.WriteString(bundleHeader + "\n")
	fmt.Fprintf(&b, "manifest sha256:%s\n", Checksum(manifest))
	if module != nil {
		fmt.Fprintf(&b, "module sha256:%s\n", Checksum(module))
	}
	return []byte(b.String())
}
