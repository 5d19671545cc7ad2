package message

// IKE Payload Types
const (
	NoNext = 0
	TypeSA = iota + 32
	TypeKE
	TypeIDi
	TypeIDr
	TypeCERT
	TypeCERTreq
	TypeAUTH
	TypeNiNr
	TypeN
	TypeD
	TypeV
	TypeTSi
	TypeTSr
	TypeSK
	TypeCP
	TypeEAP
)

// Security Association Proposal Transform Types
const (
	TypeEncryptionAlgorithm = iota + 1
	TypePseudorandomFunction
	TypeIntegrityAlgorithm
	TypeKeyExchangeMethod
	TypeExtendedSequenceNumbers
	TypeAdditionalKeyExchange1
	TypeAdditionalKeyExchange2
	TypeAdditionalKeyExchange3
	TypeAdditionalKeyExchange4
	TypeAdditionalKeyExchange5
	TypeAdditionalKeyExchange6
	TypeAdditionalKeyExchange7
)

// Security Association Proposal Transform Attribute Formats
const (
	AttributeFormatUseTLV = iota
	AttributeFormatUseTV
)

// Security Association Proposal Transform Attribute Types
const AttributeTypeKeyLength = 14

// Encryption Algorithm Transform IDs
const (
	ENCR_DES      = 2
	ENCR_3DES     = 3
	ENCR_NULL     = 11
	ENCR_AES_CBC  = 12
	ENCR_AES_CTR  = 13
	ENCR_AES_GCM  = 20
	ENCR_CHACHA20 = 28
)

// Pseudorandom Function Transform IDs
const (
	PRF_HMAC_MD5 = iota + 1
	PRF_HMAC_SHA1
	PRF_HMAC_TIGER
	PRF_HMAC_SHA2_256 = 5
	PRF_HMAC_SHA2_384 = 6
	PRF_HMAC_SHA2_512 = 7
)

// Integrity Algorithm Transform IDs
const (
	AUTH_NONE = iota
	AUTH_HMAC_MD5_96
	AUTH_HMAC_SHA1_96
	AUTH_DES_MAC
	AUTH_KPDK_MD5
	AUTH_AES_XCBC_96
	AUTH_HMAC_SHA2_256_128 = 12
	AUTH_HMAC_SHA2_384_192 = 13
	AUTH_HMAC_SHA2_512_256 = 14
)

// Key Exchange Method Transform IDs
const (
	KE_NONE          = 0
	DH_1024_BIT_MODP = 2
	DH_1536_BIT_MODP = 5
	DH_2048_BIT_MODP = 14
	DH_3072_BIT_MODP = 15
	DH_4096_BIT_MODP = 16
	DH_6144_BIT_MODP = 17
	DH_8192_BIT_MODP = 18
	KE_ECP_256       = 19
	KE_ECP_384       = 20
	KE_CURVE25519    = 31
	KE_MLKEM_768     = 35
)

// The private-use transform ID space starts here; IDs at or above this
// value are only selectable against peers known to understand them.
const PrivateUseTransformID = 1024

// Extended Sequence Numbers
const (
	ESN_DISABLE = iota
	ESN_ENABLE
)

// Traffic Selector Types
const (
	TS_IPV4_ADDR_RANGE = 7
	TS_IPV6_ADDR_RANGE = 8
)

// Exchange Types
const (
	IKE_SA_INIT = iota + 34
	IKE_AUTH
	CREATE_CHILD_SA
	INFORMATIONAL
)

// Additional key exchange rounds use a dedicated exchange type
const IKE_FOLLOWUP_KE = 44

// The exchange type is set to this value to suppress sending a message
const EXCHANGE_TYPE_UNDEFINED = 255

// Notify Message Types
const (
	UNSUPPORTED_CRITICAL_PAYLOAD  = 1
	INVALID_IKE_SPI               = 4
	INVALID_MAJOR_VERSION         = 5
	INVALID_SYNTAX                = 7
	INVALID_MESSAGE_ID            = 9
	INVALID_SPI                   = 11
	NO_PROPOSAL_CHOSEN            = 14
	INVALID_KE_PAYLOAD            = 17
	AUTHENTICATION_FAILED         = 24
	SINGLE_PAIR_REQUIRED          = 34
	NO_ADDITIONAL_SAS             = 35
	INTERNAL_ADDRESS_FAILURE      = 36
	FAILED_CP_REQUIRED            = 37
	TS_UNACCEPTABLE               = 38
	INVALID_SELECTORS             = 39
	TEMPORARY_FAILURE             = 43
	CHILD_SA_NOT_FOUND            = 44
	STATE_NOT_FOUND               = 47
	INITIAL_CONTACT               = 16384
	SET_WINDOW_SIZE               = 16385
	ADDITIONAL_TS_POSSIBLE        = 16386
	IPCOMP_SUPPORTED              = 16387
	NAT_DETECTION_SOURCE_IP       = 16388
	NAT_DETECTION_DESTINATION_IP  = 16389
	COOKIE                        = 16390
	USE_TRANSPORT_MODE            = 16391
	HTTP_CERT_LOOKUP_SUPPORTED    = 16392
	REKEY_SA                      = 16393
	ESP_TFC_PADDING_NOT_SUPPORTED = 16394
	NON_FIRST_FRAGMENTS_ALSO      = 16395
	MOBIKE_SUPPORTED              = 16396
	ADDITIONAL_KEY_EXCHANGE       = 16441
	USE_BEET_MODE                 = 40961
)

// Error notifies are below this value, status notifies at or above it
const NotifyStatusFloor = 16384

// IPComp transform IDs carried in IPCOMP_SUPPORTED
const (
	IPCOMP_NONE    = 0
	IPCOMP_OUI     = 1
	IPCOMP_DEFLATE = 2
	IPCOMP_LZS     = 3
	IPCOMP_LZJH    = 4
)

// Protocol IDs
const (
	TypeNone = iota
	TypeIKE
	TypeAH
	TypeESP
)

// Flags
const (
	ResponseBitCheck  = 0x20
	VersionBitCheck   = 0x10
	InitiatorBitCheck = 0x08
)

// ID Types
const (
	ID_IPV4_ADDR   = 1
	ID_FQDN        = 2
	ID_RFC822_ADDR = 3
	ID_IPV6_ADDR   = 5
	ID_KEY_ID      = 11
)

// Authentication Methods
const (
	RSADigitalSignature = iota + 1
	SharedKeyMesageIntegrityCode
	DSSDigitalSignature
)

// IP Protocol IDs (used in individual traffic selector)
const (
	IPProtocolAll  = 0
	IPProtocolICMP = 1
	IPProtocolTCP  = 6
	IPProtocolUDP  = 17
	IPProtocolGRE  = 47
)
