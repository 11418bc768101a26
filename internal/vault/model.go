package vault

// Account is a registered user of the sync service.
type Account struct {
	Name     string `gorm:"column:name;size:190;not null"`
	Email    string `gorm:"column:email;primaryKey;size:320;not null"`
	Password string `gorm:"column:password;size:190;not null"`
	License  string `gorm:"column:license;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}

// Vault is a named collection of files synchronized under one access credential.
// Version counts accepted change-generations; sessions use it as a staleness
// signal during the sync handshake.
type Vault struct {
	ID        string `gorm:"column:id;primaryKey;size:36;not null"`
	UserEmail string `gorm:"column:user_email;size:320;not null;index:idx_vaults_owner"`
	Created   int64  `gorm:"column:created;not null"`
	Host      string `gorm:"column:host;size:320;not null"`
	Name      string `gorm:"column:name;size:190;not null"`
	Password  string `gorm:"column:password;size:190;not null"`
	Salt      string `gorm:"column:salt;size:190;not null"`
	Version   int64  `gorm:"column:version;not null;default:0"`
	KeyHash   string `gorm:"column:keyhash;size:64;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Vault) TableName() string {
	return "vaults"
}

// Share grants a non-owner account access to a vault.
type Share struct {
	ID       string `gorm:"column:id;primaryKey;size:36;not null"`
	Email    string `gorm:"column:email;size:320;not null;index:idx_shares_email"`
	Name     string `gorm:"column:name;size:190;not null"`
	VaultID  string `gorm:"column:vault_id;size:36;not null;index:idx_shares_vault"`
	Accepted bool   `gorm:"column:accepted;not null;default:true"`
}

// TableName provides the explicit table binding for GORM.
func (Share) TableName() string {
	return "shares"
}
