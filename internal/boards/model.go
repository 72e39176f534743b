package boards

// Kind distinguishes a group's shared board from a reader's personal one.
type Kind string

const (
	KindGroup Kind = "group"
	KindUser  Kind = "user"
)

// Board is a grid on which readers place prizes they were granted. A group and a
// user each own at most one board.
type Board struct {
	ID               string  `gorm:"column:board_id;primaryKey;size:190;not null" json:"id"`
	Kind             Kind    `gorm:"column:kind;size:16;not null" json:"kind"`
	GroupID          *string `gorm:"column:group_id;size:190;uniqueIndex:idx_prize_boards_group" json:"group_id,omitempty"`
	UserID           *string `gorm:"column:user_id;size:190;uniqueIndex:idx_prize_boards_user" json:"user_id,omitempty"`
	Width            int     `gorm:"column:width;not null" json:"width"`
	Height           int     `gorm:"column:height;not null" json:"height"`
	CreatedBy        string  `gorm:"column:created_by;size:190;not null" json:"created_by"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Board) TableName() string {
	return "prize_boards"
}

// groupID returns the group a placement on this board is attributed to.
func (b Board) groupID() string {
	if b.GroupID == nil {
		return ""
	}
	return *b.GroupID
}

// Cell holds one placed grant. (board, x, y) is unique and a grant occupies at most one cell.
type Cell struct {
	ID              string `gorm:"column:cell_id;primaryKey;size:190;not null" json:"id"`
	BoardID         string `gorm:"column:board_id;size:190;not null;uniqueIndex:idx_prize_board_cells_position,priority:1" json:"board_id"`
	X               int    `gorm:"column:x;not null;uniqueIndex:idx_prize_board_cells_position,priority:2" json:"x"`
	Y               int    `gorm:"column:y;not null;uniqueIndex:idx_prize_board_cells_position,priority:3" json:"y"`
	GrantID         string `gorm:"column:grant_id;size:190;not null;uniqueIndex:idx_prize_board_cells_grant" json:"grant_id"`
	PlacedBy        string `gorm:"column:placed_by;size:190;not null;index" json:"placed_by"`
	PlacedAtSeconds int64  `gorm:"column:placed_at_s;not null" json:"placed_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Cell) TableName() string {
	return "prize_board_cells"
}

// View is a board with its occupied cells.
type View struct {
	Board Board  `json:"board"`
	Cells []Cell `json:"cells"`
}
