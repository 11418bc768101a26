package files

// Revision is one historical record of a file's state at a path. A push
// creates a revision; deletions and restores flip flags on existing rows.
// At most one revision per (vault, path) carries Newest=true.
type Revision struct {
	ID         string `gorm:"column:id;primaryKey;size:36;not null"`
	VaultID    string `gorm:"column:vault_id;size:36;not null;index:idx_revisions_vault_path,priority:1"`
	Path       string `gorm:"column:path;size:1024;not null;index:idx_revisions_vault_path,priority:2"`
	Hash       string `gorm:"column:hash;size:190;not null;default:''"`
	Extension  string `gorm:"column:extension;size:64;not null;default:''"`
	Size       int64  `gorm:"column:size;not null;default:0"`
	Created    int64  `gorm:"column:created;not null"`
	Modified   int64  `gorm:"column:modified;not null"`
	Folder     bool   `gorm:"column:folder;not null;default:false"`
	Deleted    bool   `gorm:"column:deleted;not null;default:false"`
	Data       []byte `gorm:"column:data"`
	Newest     bool   `gorm:"column:newest;not null;default:true"`
	IsSnapshot bool   `gorm:"column:is_snapshot;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return "vault_files"
}
