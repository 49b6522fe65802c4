package types

import "strings"

// ApplicationContextUID is the DICOM Application Context Name.
// The Application Context defines the DICOM application-level message exchange rules.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// DICOM SOP Class UIDs as defined in DICOM Part 4, Annex B
// https://dicom.nema.org/medical/dicom/current/output/chtml/part04/sect_B.5.html

// Verification Service
const (
	VerificationSOPClass = "1.2.840.10008.1.1"
)

// Storage Service - a selection of Image Storage SOP Classes
const (
	ComputedRadiographyImageStorage = "1.2.840.10008.5.1.4.1.1.1"
	CTImageStorage                  = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage          = "1.2.840.10008.5.1.4.1.1.2.1"
	MRImageStorage                  = "1.2.840.10008.5.1.4.1.1.4"
	UltrasoundImageStorage          = "1.2.840.10008.5.1.4.1.1.6.1"
	SecondaryCaptureImageStorage    = "1.2.840.10008.5.1.4.1.1.7"
	NuclearMedicineImageStorage     = "1.2.840.10008.5.1.4.1.1.20"
	PETImageStorage                 = "1.2.840.10008.5.1.4.1.1.128"
	EncapsulatedPDFStorage          = "1.2.840.10008.5.1.4.1.1.104.1"
)

// Query/Retrieve Service SOP Classes
const (
	StudyRootQueryRetrieveInformationModelFind   = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveInformationModelMove   = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootQueryRetrieveInformationModelGet    = "1.2.840.10008.5.1.4.1.2.2.3"
	PatientRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.1.3"
	ModalityWorklistInformationModelFind         = "1.2.840.10008.5.1.4.31"
)

// storageSOPClassPrefix is the root shared by the image storage SOP classes.
const storageSOPClassPrefix = "1.2.840.10008.5.1.4.1.1."

// IsStorageSOPClass reports whether uid lies under the storage SOP class root.
func IsStorageSOPClass(uid string) bool {
	return strings.HasPrefix(uid, storageSOPClassPrefix)
}

var sopClassNames = [][2]string{
	{ApplicationContextUID, "DICOM Application Context Name"},
	{VerificationSOPClass, "Verification SOP Class"},
	{ComputedRadiographyImageStorage, "Computed Radiography Image Storage"},
	{CTImageStorage, "CT Image Storage"},
	{EnhancedCTImageStorage, "Enhanced CT Image Storage"},
	{MRImageStorage, "MR Image Storage"},
	{UltrasoundImageStorage, "Ultrasound Image Storage"},
	{SecondaryCaptureImageStorage, "Secondary Capture Image Storage"},
	{NuclearMedicineImageStorage, "Nuclear Medicine Image Storage"},
	{PETImageStorage, "PET Image Storage"},
	{EncapsulatedPDFStorage, "Encapsulated PDF Storage"},
	{StudyRootQueryRetrieveInformationModelFind, "Study Root Query/Retrieve - FIND"},
	{StudyRootQueryRetrieveInformationModelMove, "Study Root Query/Retrieve - MOVE"},
	{StudyRootQueryRetrieveInformationModelGet, "Study Root Query/Retrieve - GET"},
	{PatientRootQueryRetrieveInformationModelFind, "Patient Root Query/Retrieve - FIND"},
	{PatientRootQueryRetrieveInformationModelMove, "Patient Root Query/Retrieve - MOVE"},
	{PatientRootQueryRetrieveInformationModelGet, "Patient Root Query/Retrieve - GET"},
	{ModalityWorklistInformationModelFind, "Modality Worklist - FIND"},
}
