package model

import "github.com/google/uuid"

// ValidID はIDがUUID形式かどうかを返す。
// URLパラメータ由来のIDをリポジトリに渡す前の検証に使う。
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
