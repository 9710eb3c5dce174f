// Package wasmext loads ISAPI extensions compiled to WebAssembly and runs
// them under wazero. The control block and every structure passed through
// ServerSupportFunction use the 32-bit ISAPI layout in guest memory; the
// callbacks are imported by the guest from the "isapi" host module.
package wasmext

// HostModule is the import module name of the callbacks.
const HostModule = "isapi"

// Host functions exported to guests.
const (
	fnGetServerVariable     = "GetServerVariable"
	fnWriteClient           = "WriteClient"
	fnReadClient            = "ReadClient"
	fnServerSupportFunction = "ServerSupportFunction"
	fnGetLastError          = "GetLastError"
)

// Guest exports. allocate and the two entry points are mandatory.
const (
	exportMemory       = "memory"
	exportAllocate     = "allocate"
	exportDeallocate   = "deallocate"
	exportVersion      = "GetExtensionVersion"
	exportProc         = "HttpExtensionProc"
	exportTerminate    = "TerminateExtension"
	exportIOCompletion = "HseIoCompletion"
)

// EXTENSION_CONTROL_BLOCK offsets.
const (
	ecbSize           = 144
	ecbOffSize        = 0
	ecbOffVersion     = 4
	ecbOffConnID      = 8
	ecbOffStatus      = 12
	ecbOffLogData     = 16
	ecbOffMethod      = 96
	ecbOffQuery       = 100
	ecbOffPathInfo    = 104
	ecbOffTranslated  = 108
	ecbOffTotalBytes  = 112
	ecbOffAvailable   = 116
	ecbOffData        = 120
	ecbOffContentType = 124
)

// HSE_VERSION_INFO: dwExtensionVersion then lpszExtensionDesc[256].
const (
	versionInfoSize    = 260
	versionOffDesc     = 4
	versionDescMaxSize = 256
)

// HSE_URL_MAPEX_INFO: lpszPath[260], dwFlags, cchMatchingPath,
// cchMatchingURL and two reserved words.
const (
	mapExSize         = 280
	mapExOffFlags     = 260
	mapExOffMatchPath = 264
	mapExOffMatchURL  = 268
)

// HSE_SEND_HEADER_EX_INFO: pszStatus, pszHeader, cchStatus, cchHeader,
// fKeepConn.
const sendHeaderExSize = 20

// HSE_TF_INFO. hFile points at a NUL-terminated file path.
const (
	tfSize            = 44
	tfOffCallback     = 0
	tfOffContext      = 4
	tfOffFile         = 8
	tfOffStatus       = 12
	tfOffBytesToWrite = 16
	tfOffOffset       = 20
	tfOffHead         = 24
	tfOffHeadLen      = 28
	tfOffTail         = 32
	tfOffTailLen      = 36
	tfOffFlags        = 40
)
