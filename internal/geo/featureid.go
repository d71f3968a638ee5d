package geo

import (
	"fmt"
	"strconv"
	"strings"

	apperrors "collaborative-map-editor/internal/errors"
)

// ReservedLayer is the pseudo-layer the drawing tool assigns to features
// that have been drawn but not yet re-homed to a destination layer. Features
// on it carry negative ids and are never tracked as edits.
const ReservedLayer = "terra-draw"

// FormatID builds the composite id used inside the drawing surface. The
// format is "{featureId}.{layerId}". Composite ids are never persisted.
func FormatID(featureID int64, layerID string) string {
	return fmt.Sprintf("%d.%s", featureID, layerID)
}

// ParseID splits a composite id into its feature id and layer id.
//
// The prefix before the first '.' must parse as an integer and the
// remainder, which may itself contain dots, must be non-empty.
func ParseID(id string) (featureID int64, layerID string, err error) {
	prefix, rest, found := strings.Cut(id, ".")
	if !found {
		return 0, "", fmt.Errorf("%w: %q has no layer suffix", apperrors.ErrMalformedFeatureID, id)
	}

	featureID, err = strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q must start with an integer feature id", apperrors.ErrMalformedFeatureID, id)
	}

	if rest == "" {
		return 0, "", fmt.Errorf("%w: %q must contain a layer name after the feature id", apperrors.ErrMalformedFeatureID, id)
	}

	return featureID, rest, nil
}
