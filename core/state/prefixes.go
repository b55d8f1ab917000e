package state

var (
	accountPrefix  = []byte("account/")
	tandaPrefix    = []byte("tanda/instance/")
	adminCapPrefix = []byte("tanda/admincap/")
)

func prefixed(prefix []byte, id []byte) []byte {
	buf := make([]byte, len(prefix)+len(id))
	copy(buf, prefix)
	copy(buf[len(prefix):], id)
	return buf
}

func accountKey(addr [20]byte) []byte   { return prefixed(accountPrefix, addr[:]) }
func tandaKey(id [32]byte) []byte       { return prefixed(tandaPrefix, id[:]) }
func adminCapKey(capID [32]byte) []byte { return prefixed(adminCapPrefix, capID[:]) }
