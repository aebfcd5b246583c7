package tokens

// Metadata keys stamped on checkout sessions at creation and read back by
// the webhook reconciler.
const (
	MetadataKeyPurchaseType = "purchase_type"
	MetadataKeyUserID       = "user_id"
	MetadataKeyPackageID    = "package_id"
	MetadataKeyTokenAmount  = "token_amount"

	// PurchaseTypeTokens marks sessions issued by this subsystem so the
	// reconciler can skip unrelated checkouts on a shared processor account.
	PurchaseTypeTokens = "token_purchase"
)
