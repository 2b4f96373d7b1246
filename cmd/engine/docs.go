package main

//go:generate swag init -g cmd/engine/main.go -o docs

// @title           Trade Engine API
// @version         0.1.0
// @description     Signal execution, order updates and scheduled position maintenance.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
