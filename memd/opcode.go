// Package memd implements the Couchbase memcached binary protocol: request
// and response framing, the closed opcode/status enumerations, and the
// per-opcode extras layouts needed to build and parse packets on the wire.
package memd

// Magic identifies whether a packet is a request or a response.
type Magic uint8

const (
	// MagicReq marks a request packet.
	MagicReq = Magic(0x80)
	// MagicRes marks a response packet.
	MagicRes = Magic(0x81)
)

// CmdCode identifies the operation a packet is performing.
type CmdCode uint8

const (
	CmdGet         = CmdCode(0x00)
	CmdSet         = CmdCode(0x01)
	CmdAdd         = CmdCode(0x02)
	CmdReplace     = CmdCode(0x03)
	CmdDelete      = CmdCode(0x04)
	CmdIncrement   = CmdCode(0x05)
	CmdDecrement   = CmdCode(0x06)
	CmdNoop        = CmdCode(0x0a)
	CmdAppend      = CmdCode(0x0e)
	CmdPrepend     = CmdCode(0x0f)
	CmdTouch       = CmdCode(0x1c)
	CmdGAT         = CmdCode(0x1d)
	CmdHello       = CmdCode(0x1f)
	CmdSASLAuth    = CmdCode(0x21)
	CmdSASLStep    = CmdCode(0x22)

	CmdGetReplica   = CmdCode(0x83)
	CmdSelectBucket = CmdCode(0x89)
	CmdObserve      = CmdCode(0x92)
	CmdGetLocked    = CmdCode(0x94)
	CmdUnlockKey    = CmdCode(0x95)

	CmdCollectionsGetID = CmdCode(0xbb)

	CmdSubDocGet           = CmdCode(0xc5)
	CmdSubDocExists        = CmdCode(0xc6)
	CmdSubDocDictAdd       = CmdCode(0xc7)
	CmdSubDocDictSet       = CmdCode(0xc8)
	CmdSubDocDelete        = CmdCode(0xc9)
	CmdSubDocReplace       = CmdCode(0xca)
	CmdSubDocArrayPushLast = CmdCode(0xcb)
	CmdSubDocArrayPushFirst = CmdCode(0xcc)
	CmdSubDocArrayInsert   = CmdCode(0xcd)
	CmdSubDocArrayAddUnique = CmdCode(0xce)
	CmdSubDocCounter       = CmdCode(0xcf)
	CmdSubDocMultiLookup   = CmdCode(0xd0)
	CmdSubDocMultiMutation = CmdCode(0xd1)
	CmdSubDocGetCount      = CmdCode(0xd2)

	CmdGetErrorMap = CmdCode(0xfe)
)

// idempotentCmds are the opcodes that spec §3 calls out as pure reads or
// CID lookups: safe to retry without a compare-and-swap guard.
var idempotentCmds = map[CmdCode]bool{
	CmdGet:               true,
	CmdGetReplica:        true,
	CmdGetLocked:         true,
	CmdGetRandom:         true,
	CmdObserve:           true,
	CmdCollectionsGetID:  true,
	CmdSubDocGet:         true,
	CmdSubDocExists:      true,
	CmdSubDocGetCount:    true,
	CmdSubDocMultiLookup: true,
	CmdNoop:              true,
}

const CmdGetRandom = CmdCode(0xb6)

// IsIdempotent reports whether an operation using this opcode is a pure
// read (or CID lookup) that is always safe to retry.
func (c CmdCode) IsIdempotent() bool {
	return idempotentCmds[c]
}

// DatatypeFlag specifies data flags for the value of a document.
type DatatypeFlag uint8

const (
	DatatypeFlagJSON       = DatatypeFlag(0x01)
	DatatypeFlagCompressed = DatatypeFlag(0x02)
	DatatypeFlagXattrs     = DatatypeFlag(0x04)
)

// DurabilityLevel specifies the level to use for enhanced durability
// requirements.
type DurabilityLevel uint8

const (
	// DurabilityLevelNone requests no additional durability guarantee.
	DurabilityLevelNone = DurabilityLevel(0x00)

	// DurabilityLevelMajority requires replication to (in-memory) a
	// majority of the nodes for the bucket.
	DurabilityLevelMajority = DurabilityLevel(0x01)

	// DurabilityLevelMajorityAndPersistOnMaster additionally requires
	// persistence to disk on the active node.
	DurabilityLevelMajorityAndPersistOnMaster = DurabilityLevel(0x02)

	// DurabilityLevelPersistToMajority requires persistence to disk on a
	// majority of the nodes for the bucket.
	DurabilityLevelPersistToMajority = DurabilityLevel(0x03)
)
