package pkgdb

import "strconv"

// Bucket names for bbolt storage. The audit log keeps its own buckets in the
// same file so both commit in one transaction.
var (
	bucketPackages  = []byte("packages")            // id -> encoded Package
	bucketVariants  = []byte("packages_by_variant") // variant key -> id
	bucketGroups    = []byte("packages_by_group")   // name|arch|tag|id -> nil
	bucketObjectKey = []byte("packages_by_object")  // object_key|id -> nil
)

// joinKey concatenates parts with a null separator.
func joinKey(parts ...string) []byte {
	n := len(parts) - 1
	for _, p := range parts {
		n += len(p)
	}
	key := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			key = append(key, 0)
		}
		key = append(key, p...)
	}
	return key
}

// makeVariantKey identifies a package variant independent of its id.
// Format: name|epoch|version|release|arch|tag
func makeVariantKey(p *Package) []byte {
	return joinKey(p.Name, strconv.FormatUint(uint64(p.Epoch), 10), p.Version, p.Release, p.Arch, p.Tag)
}

// makeGroupPrefix selects packages that replace each other as "latest".
// Format: name|arch|tag|
func makeGroupPrefix(name, arch, tag string) []byte {
	return append(joinKey(name, arch, tag), 0)
}

func makeGroupKey(p *Package) []byte {
	return joinKey(p.Name, p.Arch, p.Tag, p.ID)
}

func makeObjectKey(p *Package) []byte {
	return joinKey(p.ObjectKey.String(), p.ID)
}

// trailingID returns the last null separated field of an index key.
func trailingID(key []byte) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == 0 {
			return string(key[i+1:])
		}
	}
	return string(key)
}
