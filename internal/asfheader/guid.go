package asfheader

import "github.com/google/uuid"

// Object identifiers used by the top-level and header-extension objects.
var (
	GUIDHeader                   = uuid.MustParse("75b22630-668e-11cf-a6d9-00aa0062ce6c")
	GUIDData                     = uuid.MustParse("75b22636-668e-11cf-a6d9-00aa0062ce6c")
	GUIDFileProperties           = uuid.MustParse("8cabdca1-a947-11cf-8ee4-00c00c205365")
	GUIDStreamProperties         = uuid.MustParse("b7dc0791-a9b7-11cf-8ee6-00c00c205365")
	GUIDHeaderExtension          = uuid.MustParse("5fbf03b5-a92e-11cf-8ee3-00c00c205365")
	GUIDExtendedStreamProperties = uuid.MustParse("14e6a5cb-c672-4332-8399-a96952065b5a")
)

// Stream type identifiers carried in Stream Properties objects.
var (
	StreamTypeAudio          = uuid.MustParse("f8699e40-5b4d-11cf-a8fd-00805f5c442b")
	StreamTypeVideo          = uuid.MustParse("bc19efc0-5b4d-11cf-a8fd-00805f5c442b")
	StreamTypeCommand        = uuid.MustParse("59dacfc0-59e6-11d0-a3ac-00a0c90348f6")
	StreamTypeJFIF           = uuid.MustParse("b61be100-5b4e-11cf-a8fd-00805f5c442b")
	StreamTypeDegradableJPEG = uuid.MustParse("35907de0-e415-11cf-a917-00805f5c442b")
	StreamTypeFileTransfer   = uuid.MustParse("91bd222c-f21c-497a-8b6d-5aa86bfc0185")
	StreamTypeBinary         = uuid.MustParse("3afb65e2-47ef-40f2-ac2c-70a90d71d343")
)

// Payload extension system identifiers understood by the packet engine.
var (
	ExtensionVideoFrame       = uuid.MustParse("dd6432cc-e229-40db-80f6-d26328d2761f")
	ExtensionPixelAspectRatio = uuid.MustParse("1b1ee554-f9ea-4bc8-821a-376b74e4c4b8")
	ExtensionTimingRepData    = uuid.MustParse("fd3cc02a-06db-4cfa-801c-7212d38745e4")
	ExtensionSampleDuration   = uuid.MustParse("c6bd9450-867f-4907-83a3-c77921b733ad")
)

// guidFromWire converts the on-disk GUID layout (first three groups
// little-endian) into canonical uuid byte order.
func guidFromWire(b []byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:16])
	return u
}

// AppendGUID appends g to b in on-disk byte order.
func AppendGUID(b []byte, g uuid.UUID) []byte {
	return append(b,
		g[3], g[2], g[1], g[0],
		g[5], g[4],
		g[7], g[6],
		g[8], g[9], g[10], g[11], g[12], g[13], g[14], g[15],
	)
}
