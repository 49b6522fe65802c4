package types

// DICOM Transfer Syntax UIDs as defined in DICOM Part 5, Section 8 and Part 6, Annex A.4
// https://dicom.nema.org/medical/dicom/current/output/chtml/part05/chapter_8.html

// Uncompressed Transfer Syntaxes
const (
	// ImplicitVRLittleEndian - Default Transfer Syntax for DICOM
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"

	// ExplicitVRLittleEndian - Explicit VR with little endian byte ordering
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

	// ExplicitVRBigEndian - Explicit VR with big endian byte ordering (retired)
	ExplicitVRBigEndian = "1.2.840.10008.1.2.2"

	// DeflatedExplicitVRLittleEndian - Deflate compression with explicit VR
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"
)

// Compressed Transfer Syntaxes
const (
	JPEGBaseline8Bit   = "1.2.840.10008.1.2.4.50"
	JPEGExtended12Bit  = "1.2.840.10008.1.2.4.51"
	JPEGLossless       = "1.2.840.10008.1.2.4.57"
	JPEGLosslessSV1    = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless     = "1.2.840.10008.1.2.4.80"
	JPEGLSNearLossless = "1.2.840.10008.1.2.4.81"
	JPEG2000Lossless   = "1.2.840.10008.1.2.4.90"
	JPEG2000           = "1.2.840.10008.1.2.4.91"
	RLELossless        = "1.2.840.10008.1.2.5"
	HTJ2KLossless      = "1.2.840.10008.1.2.4.201"
	HTJ2K              = "1.2.840.10008.1.2.4.203"
)

// DefaultTransferSyntaxes returns the transfer syntaxes proposed when a
// caller does not configure any, in preference order.
func DefaultTransferSyntaxes() []string {
	return []string{
		ExplicitVRLittleEndian,
		ImplicitVRLittleEndian,
	}
}

// GetCommonTransferSyntaxes returns a list of commonly supported transfer syntaxes
// in recommended negotiation order (uncompressed first, then lossless, then lossy)
func GetCommonTransferSyntaxes() []string {
	return []string{
		ExplicitVRLittleEndian,
		ImplicitVRLittleEndian,
		JPEG2000Lossless,
		JPEGLosslessSV1,
		RLELossless,
		JPEG2000,
		JPEGBaseline8Bit,
	}
}

var transferSyntaxNames = [][2]string{
	{ImplicitVRLittleEndian, "Implicit VR Little Endian"},
	{ExplicitVRLittleEndian, "Explicit VR Little Endian"},
	{ExplicitVRBigEndian, "Explicit VR Big Endian"},
	{DeflatedExplicitVRLittleEndian, "Deflated Explicit VR Little Endian"},
	{JPEGBaseline8Bit, "JPEG Baseline (Process 1)"},
	{JPEGExtended12Bit, "JPEG Extended (Process 2 & 4)"},
	{JPEGLossless, "JPEG Lossless (Process 14)"},
	{JPEGLosslessSV1, "JPEG Lossless SV1"},
	{JPEGLSLossless, "JPEG-LS Lossless"},
	{JPEGLSNearLossless, "JPEG-LS Near-Lossless"},
	{JPEG2000Lossless, "JPEG 2000 Lossless Only"},
	{JPEG2000, "JPEG 2000"},
	{RLELossless, "RLE Lossless"},
	{HTJ2KLossless, "High-Throughput JPEG 2000 Lossless"},
	{HTJ2K, "High-Throughput JPEG 2000"},
}
