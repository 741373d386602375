package api

import (
	"time"

	"github.com/shopspring/decimal"

	"StableTool/internal/payment"
	"StableTool/internal/storage"
)

type toolView struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	APIURL          string          `json:"api_url"`
	APIMethod       string          `json:"api_method"`
	APIHeaders      string          `json:"api_headers,omitempty"`
	APIBodyTemplate string          `json:"api_body_template,omitempty"`
	Price           decimal.Decimal `json:"price"`
	OwnerID         int64           `json:"owner_id"`
	Approved        bool            `json:"approved"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func newToolView(t storage.Tool) toolView {
	return toolView{
		ID:              t.ID,
		Name:            t.Name,
		Description:     t.Description,
		APIURL:          t.URL,
		APIMethod:       t.Method,
		APIHeaders:      t.Headers,
		APIBodyTemplate: t.BodyTemplate,
		Price:           t.Price,
		OwnerID:         t.OwnerID,
		Approved:        t.Approved,
		Active:          t.Active,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func newToolViews(tools []storage.Tool) []toolView {
	out := make([]toolView, 0, len(tools))
	for _, t := range tools {
		out = append(out, newToolView(t))
	}
	return out
}

type transactionView struct {
	ID            int64           `json:"id"`
	FromAccountID int64           `json:"from_account_id"`
	ToAccountID   int64           `json:"to_account_id"`
	ToolID        int64           `json:"tool_id"`
	ToolName      string          `json:"tool_name,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Reference     string          `json:"tx_reference"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

type summaryView struct {
	Total        decimal.Decimal   `json:"total"`
	Count        int               `json:"transaction_count"`
	Transactions []transactionView `json:"transactions"`
}

func newSummaryView(s payment.Summary) summaryView {
	txs := make([]transactionView, 0, len(s.Transactions))
	for _, tx := range s.Transactions {
		txs = append(txs, transactionView{
			ID:            tx.ID,
			FromAccountID: tx.FromAccountID,
			ToAccountID:   tx.ToAccountID,
			ToolID:        tx.ToolID,
			ToolName:      tx.ToolName,
			Amount:        tx.Amount,
			Reference:     tx.Reference,
			Status:        string(tx.Status),
			CreatedAt:     tx.CreatedAt,
		})
	}
	return summaryView{Total: s.Total, Count: s.Count, Transactions: txs}
}

type balanceView struct {
	Address string          `json:"address"`
	Balance decimal.Decimal `json:"balance"`
	Token   string          `json:"token"`
	Source  string          `json:"source"`
}

type conversationView struct {
	ID            int64          `json:"id"`
	UserMessage   string         `json:"user_message"`
	ToolSelected  *string        `json:"tool_selected"`
	ToolResult    map[string]any `json:"tool_result"`
	FinalResponse string         `json:"final_response"`
	CreatedAt     time.Time      `json:"created_at"`
}

func newConversationViews(convs []storage.Conversation) []conversationView {
	out := make([]conversationView, 0, len(convs))
	for _, c := range convs {
		view := conversationView{
			ID:            c.ID,
			UserMessage:   c.UserMessage,
			ToolSelected:  c.ToolSelected,
			FinalResponse: c.FinalResponse,
			CreatedAt:     c.CreatedAt,
		}
		if c.ToolResult != nil {
			if obj, err := storage.DecodeObject(*c.ToolResult); err == nil {
				view.ToolResult = obj
			} else {
				view.ToolResult = map[string]any{"response": *c.ToolResult}
			}
		}
		out = append(out, view)
	}
	return out
}
