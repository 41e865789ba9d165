/*
Package village documents the village module.

This module is CLI-first and ships the village command:

	go install github.com/ThomasVuNguyen/village/cmd/village@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package village
