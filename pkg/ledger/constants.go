package ledger

const (
	operationOpenAccount       = "open_account"
	operationRecordUsage       = "record_usage"
	operationGrantBonus        = "grant_bonus"
	operationCreatePackage     = "create_package"
	operationSettleSuccess     = "settle_success"
	operationSettleFailure     = "settle_failure"
	operationInitiatePurchase  = "initiate_purchase"
	operationConfirmPayment    = "confirm_payment"
	operationProvisionCustomer = "provision_customer"
	operationReconcilePending  = "reconcile_pending"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// Provider is the gateway name recorded with webhook events.
	Provider = "stripe"
	// OperationWebhook names webhook deliveries in OperationLog.
	OperationWebhook = "webhook"

	customPackageNameFormat = "Custom %s tokens"
	purchaseDescription     = "Purchase of %s tokens"
	bonusDescription        = "Bonus of %s tokens"
	usageDescription        = "Usage of %s tokens"
)
