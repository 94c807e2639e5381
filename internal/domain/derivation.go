package domain

import "fmt"

// TekFieldDerivations はTRLとDSOSの相互変換表を表す。
type TekFieldDerivations struct {
	DSOSFromTRL map[int32]int32 `yaml:"dsos-from-trl"`
	TRLFromDSOS map[int32]int32 `yaml:"trl-from-dsos"`
	DefaultTRL  int32           `yaml:"default-trl"`
}

// DefaultTekFieldDerivations は既定の変換表を返す。
func DefaultTekFieldDerivations() TekFieldDerivations {
	return TekFieldDerivations{
		DSOSFromTRL: map[int32]int32{1: 14, 2: 10, 3: 8, 4: 6, 5: 4, 6: 2, 7: 0, 8: -1},
		TRLFromDSOS: map[int32]int32{14: 1, 10: 2, 8: 3, 6: 4, 4: 5, 2: 6, 0: 7, -1: 8},
		DefaultTRL:  1,
	}
}

// DSOS はTRLに対応するDSOSを返す。
func (d TekFieldDerivations) DSOS(trl int32) (int32, error) {
	v, ok := d.DSOSFromTRL[trl]
	if !ok {
		return 0, fmt.Errorf("%w: no DSOS mapped to %d", ErrInvalidTransmissionRiskLevel, trl)
	}
	return v, nil
}

// TRL はDSOSに対応するTRLを返す。未定義の場合は既定値。
func (d TekFieldDerivations) TRL(dsos int32) int32 {
	if v, ok := d.TRLFromDSOS[dsos]; ok {
		return v
	}
	return d.DefaultTRL
}
