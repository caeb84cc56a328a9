package economy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"agon/internal/metrics"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var slotSymbols = []string{"cherry", "lemon", "bell", "bar", "seven"}

var slotPaytable = map[string]int64{
	"cherry": 5,
	"lemon":  10,
	"bell":   15,
	"bar":    25,
	"seven":  50,
}

type gameOutcome struct {
	payout  int64
	details map[string]any
}

// coinFlip pays 1.95x the bet when the flip matches choice.
func coinFlip(bet int64, choice string, r float64) (gameOutcome, error) {
	choice = strings.ToLower(strings.TrimSpace(choice))
	if choice != "heads" && choice != "tails" {
		return gameOutcome{}, fmt.Errorf("%w: choice must be heads or tails", ErrInvalidInput)
	}
	result := "heads"
	if r >= 0.5 {
		result = "tails"
	}
	out := gameOutcome{details: map[string]any{"choice": choice, "result": result}}
	if result == choice {
		out.payout = bet * 195 / 100
	}
	return out, nil
}

// dice rolls 1..100 and wins when the roll is under target, paying
// 0.97*100/(target-1) times the bet.
func dice(bet, target int64, roll int64) (gameOutcome, error) {
	if target < 2 || target > 95 {
		return gameOutcome{}, fmt.Errorf("%w: target must be between 2 and 95", ErrInvalidInput)
	}
	if roll < 1 || roll > 100 {
		return gameOutcome{}, fmt.Errorf("dice roll %d out of range", roll)
	}
	out := gameOutcome{details: map[string]any{"target": target, "roll": roll}}
	if roll < target {
		out.payout = bet * 97 / (target - 1)
	}
	return out, nil
}

// slots pays the paytable multiple for three of a kind and 2x for exactly two
// cherries.
func slots(bet int64, reels [3]string) gameOutcome {
	out := gameOutcome{details: map[string]any{"reels": reels[:]}}
	if reels[0] == reels[1] && reels[1] == reels[2] {
		out.payout = bet * slotPaytable[reels[0]]
		return out
	}
	cherries := 0
	for _, r := range reels {
		if r == "cherry" {
			cherries++
		}
	}
	if cherries == 2 {
		out.payout = bet * 2
	}
	return out
}

func (s *Service) PlayGame(ctx context.Context, in GameInput) (GameRound, error) {
	var out GameRound
	in.Game = strings.ToLower(strings.TrimSpace(in.Game))
	if in.BetMicros < MinGameBetMicros || in.BetMicros > MaxGameBetMicros {
		return out, fmt.Errorf("%w: bet must be between %s and %s SWD", ErrInvalidInput, formatAmount(MinGameBetMicros), formatAmount(MaxGameBetMicros))
	}

	var res gameOutcome
	var err error
	switch in.Game {
	case "coinflip":
		res, err = coinFlip(in.BetMicros, in.Choice, s.nextFloat())
	case "dice":
		res, err = dice(in.BetMicros, in.Target, int64(s.nextIntn(100))+1)
	case "slots":
		var reels [3]string
		for i := range reels {
			reels[i] = slotSymbols[s.nextIntn(len(slotSymbols))]
		}
		res = slots(in.BetMicros, reels)
	default:
		return out, fmt.Errorf("%w: unknown game %q", ErrInvalidInput, in.Game)
	}
	if err != nil {
		return out, err
	}
	raw, err := json.Marshal(res.details)
	if err != nil {
		return out, err
	}

	err = s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if err := lockWallets(ctx, tx, in.UserID); err != nil {
			return err
		}
		if err := adjustBalanceTx(ctx, tx, in.UserID, CurrencySWD, -in.BetMicros); err != nil {
			return err
		}
		if err := adjustBalanceTx(ctx, tx, in.UserID, CurrencySWD, res.payout); err != nil {
			return err
		}
		group := uuid.NewString()
		if err := insertTransaction(ctx, tx, txRecord{
			GroupID: group, From: &in.UserID, Type: "game_wager", Currency: CurrencySWD, Amount: in.BetMicros,
			Description: in.Game + " wager",
		}); err != nil {
			return err
		}
		if err := insertTransaction(ctx, tx, txRecord{
			GroupID: group, To: &in.UserID, Type: "game_payout", Currency: CurrencySWD, Amount: res.payout,
			Description: in.Game + " payout",
		}); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO game_rounds (user_id, game, bet_micros, payout_micros, outcome)
			VALUES ($1, $2, $3, $4, $5::jsonb)
			RETURNING id, created_at
		`, in.UserID, in.Game, in.BetMicros, res.payout, string(raw)).Scan(&out.ID, &out.CreatedAt); err != nil {
			return err
		}
		w, err := walletTx(ctx, tx, in.UserID)
		if err != nil {
			return err
		}
		out.SWDMicros = w.StoneworksDollarMicros
		return nil
	})
	if err != nil {
		return GameRound{}, err
	}
	out.Game = in.Game
	out.BetMicros = in.BetMicros
	out.PayoutMicros = res.payout
	out.Won = res.payout > 0
	out.Outcome = res.details
	result := "loss"
	if out.Won {
		result = "win"
	}
	metrics.GameRounds.WithLabelValues(in.Game, result).Inc()
	return out, nil
}

func (s *Service) GameHistory(ctx context.Context, userID int64, limit int) ([]GameRound, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, game, bet_micros, payout_micros, outcome, created_at
		FROM game_rounds
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GameRound
	for rows.Next() {
		var g GameRound
		if err := rows.Scan(&g.ID, &g.Game, &g.BetMicros, &g.PayoutMicros, &g.Outcome, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.Won = g.PayoutMicros > 0
		out = append(out, g)
	}
	return out, rows.Err()
}
