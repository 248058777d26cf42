package kernel

// Version is the kernel version manifests pin against via
// compat.requires_kernel (major.minor comparison).
const Version = "1.0.0"

// SchemaVersions lists the manifest schema versions this kernel accepts.
var SchemaVersions = []int{1, 2}
