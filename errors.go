package quakelink

import (
	"errors"
)

var ErrLoadConfig = errors.New("Error Loading Pipeline Config")
var ErrNoEvents = errors.New("Error No Events Configured")
var ErrEventNotFound = errors.New("Error Event Id Not Found In Config")
var ErrUnknownStage = errors.New("Error Unknown Stage Name")
var ErrStageOrder = errors.New("Error Stage Subset Out Of Order")
var ErrNoStages = errors.New("Error Empty Stage List")
var ErrStageFailed = errors.New("Error Stage Execution Failed")
var ErrStoreWrite = errors.New("Error Writing Partitioned Store")
var ErrStoreRead = errors.New("Error Reading Partitioned Store")
var ErrManifest = errors.New("Error Building Input Manifest")
var ErrStandardize = errors.New("Error Standardizing Source")
var ErrLink = errors.New("Error Linking Event Window")
var ErrFeatures = errors.New("Error Computing Features")
var ErrAssociation = errors.New("Error Computing Association")
var ErrFinalize = errors.New("Error Finalizing Event Package")
var ErrFinalizeStrict = errors.New("Error Finalize Missing Required Artifacts")
var ErrBundle = errors.New("Error Creating Event Bundle")
var ErrSummary = errors.New("Error Rendering Event Summary")
var ErrCreateSpecTdb = errors.New("Error Creating Spectrogram TileDB Array")
var ErrWriteSpecTdb = errors.New("Error Writing Spectrogram TileDB Array")
var ErrReadSpecTdb = errors.New("Error Reading Spectrogram TileDB Array")
var ErrSetBuff = errors.New("Error Setting TileDB Buffer")
var ErrWavelet = errors.New("Error Wavelet Transform Input")
var ErrFilterDesign = errors.New("Error IIR Filter Design")
