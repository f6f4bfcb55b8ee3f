package ledger

import (
	"fmt"
	"sort"
	"strings"
)

// Keys allowed in stored payment metadata.
const (
	MetadataKeyMode              = "mode"
	MetadataKeyFlow              = "flow"
	MetadataKeyPackageID         = "package_id"
	MetadataKeyCustom            = "custom"
	MetadataKeyCheckoutSessionID = "checkout_session_id"
)

// Keys echoed back by the gateway on intents and sessions.
const (
	GatewayMetadataPaymentID = "payment_id"
	GatewayMetadataAccountID = "account_id"
)

const metadataTrue = "true"

var allowedMetadataKeys = map[string]struct{}{
	MetadataKeyMode:              {},
	MetadataKeyFlow:              {},
	MetadataKeyPackageID:         {},
	MetadataKeyCustom:            {},
	MetadataKeyCheckoutSessionID: {},
}

// PaymentMetadata is the validated form of a payment's metadata.
type PaymentMetadata struct {
	Mode              Mode
	Flow              Flow
	PackageID         string
	Custom            bool
	CheckoutSessionID string
}

// ParsePaymentMetadata validates stored metadata against the allowed key set.
func ParsePaymentMetadata(raw map[string]string) (PaymentMetadata, error) {
	var unknown []string
	for key := range raw {
		if _, ok := allowedMetadataKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return PaymentMetadata{}, fmt.Errorf("%w: unexpected keys %s", ErrInvalidMetadata, strings.Join(unknown, ","))
	}
	modeValue, ok := raw[MetadataKeyMode]
	if !ok {
		return PaymentMetadata{}, fmt.Errorf("%w: missing %s", ErrInvalidMetadata, MetadataKeyMode)
	}
	mode, err := ParseMode(modeValue)
	if err != nil {
		return PaymentMetadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	flow, err := ParseFlow(raw[MetadataKeyFlow])
	if err != nil {
		return PaymentMetadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	customValue := raw[MetadataKeyCustom]
	if customValue != "" && customValue != metadataTrue {
		return PaymentMetadata{}, fmt.Errorf("%w: custom must be %q", ErrInvalidMetadata, metadataTrue)
	}
	return PaymentMetadata{
		Mode:              mode,
		Flow:              flow,
		PackageID:         raw[MetadataKeyPackageID],
		Custom:            customValue == metadataTrue,
		CheckoutSessionID: raw[MetadataKeyCheckoutSessionID],
	}, nil
}

// Map renders the metadata for storage.
func (metadata PaymentMetadata) Map() map[string]string {
	values := map[string]string{
		MetadataKeyMode: metadata.Mode.String(),
		MetadataKeyFlow: string(metadata.Flow),
	}
	if metadata.PackageID != "" {
		values[MetadataKeyPackageID] = metadata.PackageID
	}
	if metadata.Custom {
		values[MetadataKeyCustom] = metadataTrue
	}
	if metadata.CheckoutSessionID != "" {
		values[MetadataKeyCheckoutSessionID] = metadata.CheckoutSessionID
	}
	return values
}

// GatewayMap renders the metadata sent to the gateway, which echoes it back on events.
func (metadata PaymentMetadata) GatewayMap(paymentID PaymentID, accountID AccountID) map[string]string {
	values := metadata.Map()
	values[GatewayMetadataPaymentID] = paymentID.String()
	values[GatewayMetadataAccountID] = accountID.String()
	return values
}
